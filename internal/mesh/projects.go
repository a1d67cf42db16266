// ABOUTME: Facade operations for projects, cross-project links, sessions,
// ABOUTME: and tool-call attribution events

package mesh

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// RegisterProject registers (or refreshes) a project by path. The id is
// derived from the absolute path, so re-registration is idempotent.
func (s *Service) RegisterProject(ctx context.Context, path, name string) (*store.Project, error) {
	var project *store.Project
	err := s.run(ctx, "register_project", func(ctx context.Context, emit emitFn) error {
		id := ident.ProjectID(path)
		_, getErr := s.rel.GetProject(ctx, id)
		fresh := getErr != nil

		var err error
		project, err = s.rel.RegisterProject(ctx, id, path, name)
		if err != nil {
			return err
		}
		if fresh {
			emit(bus.TopicSystem, "project.registered", ProjectEventPayload{
				ProjectID: project.ID,
				Path:      project.Path,
				Name:      project.Name,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// LinkProjects authorizes cross-project discovery. Link changes emit no
// event; visibility changes surface lazily through the access view.
func (s *Service) LinkProjects(ctx context.Context, a, b string, linkType store.LinkType) error {
	return s.run(ctx, "link_projects", func(ctx context.Context, emit emitFn) error {
		return s.rel.LinkProjects(ctx, a, b, linkType)
	})
}

// UnlinkProjects removes a link recorded under the ordered pair (a, b).
func (s *Service) UnlinkProjects(ctx context.Context, a, b string) error {
	return s.run(ctx, "unlink_projects", func(ctx context.Context, emit emitFn) error {
		return s.rel.UnlinkProjects(ctx, a, b)
	})
}

// SessionParams describes one host session to record.
type SessionParams struct {
	ID          string // generated when empty
	ProjectPath string
	Transport   string
	Scope       string
}

// RegisterSession records a host session for attribution and returns it.
func (s *Service) RegisterSession(ctx context.Context, p SessionParams) (*store.Session, error) {
	var session *store.Session
	err := s.run(ctx, "register_session", func(ctx context.Context, emit emitFn) error {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		var projectID string
		if p.ProjectPath != "" {
			projectID = ident.ProjectID(p.ProjectPath)
		}
		session = &store.Session{
			ID:          id,
			ProjectID:   projectID,
			ProjectPath: p.ProjectPath,
			Transport:   p.Transport,
			Scope:       p.Scope,
		}
		if err := s.rel.RegisterSession(ctx, session); err != nil {
			return err
		}
		emit(bus.TopicSystem, "session.created", SessionEventPayload{
			Session:   session.ID,
			ProjectID: session.ProjectID,
			Transport: session.Transport,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RecordToolCall publishes a tool invocation for external observers. The
// mesh stores nothing; the event is the record.
func (s *Service) RecordToolCall(ctx context.Context, tool string, caller ident.AgentKey, duration time.Duration) error {
	return s.run(ctx, "record_tool_call", func(ctx context.Context, emit emitFn) error {
		emit(bus.TopicSystem, "tool.called", ToolEventPayload{
			Tool:       tool,
			Caller:     caller.String(),
			DurationMs: float64(duration.Milliseconds()),
		})
		return nil
	})
}
