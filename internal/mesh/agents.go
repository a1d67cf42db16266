// ABOUTME: Facade operations for agent lifecycle: registration, updates,
// ABOUTME: deletion, and discoverability-filtered listings

package mesh

import (
	"context"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// RegisterAgentParams describes an agent registration. Zero-valued
// policy fields fall back to the store defaults (public, open).
type RegisterAgentParams struct {
	Key             ident.AgentKey
	Description     string
	Discoverability store.Discoverability
	DMPolicy        store.DMPolicy
	DMAllow         []string
	DMBlock         []string
	NeverDefault    bool
	// ExcludeDefaults names default channels the agent declines during
	// provisioning.
	ExcludeDefaults []string
}

func (p RegisterAgentParams) agent() *store.Agent {
	return &store.Agent{
		Key:             p.Key,
		Description:     p.Description,
		Discoverability: p.Discoverability,
		DMPolicy:        p.DMPolicy,
		DMAllow:         p.DMAllow,
		DMBlock:         p.DMBlock,
		NeverDefault:    p.NeverDefault,
	}
}

// RegisterAgent upserts an agent, provisions its default channel
// memberships, and ensures its notes channel exists.
func (s *Service) RegisterAgent(ctx context.Context, p RegisterAgentParams) (*store.Agent, error) {
	var agent *store.Agent
	err := s.run(ctx, "register_agent", func(ctx context.Context, emit emitFn) error {
		if err := ident.ValidateName("agent", p.Key.Name); err != nil {
			return err
		}
		if err := s.rel.RegisterAgent(ctx, p.agent()); err != nil {
			return err
		}
		emit(bus.TopicAgents, "registered", AgentEventPayload{Agent: p.Key.String()})

		joined, err := s.access.ProvisionDefaults(ctx, p.Key, p.ExcludeDefaults, p.NeverDefault)
		if err != nil {
			return err
		}
		for _, channelID := range joined {
			emit(bus.TopicMembers, "joined", MemberEventPayload{
				Channel: channelID,
				Agent:   p.Key.String(),
				Source:  string(store.SourceDefault),
			})
		}

		notes, created, err := s.access.ProvisionNotesChannel(ctx, p.Key)
		if err != nil {
			return err
		}
		if created {
			emit(bus.TopicChannels, "created", channelPayload(notes))
		}

		agent, err = s.rel.GetAgent(ctx, p.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// UpdateAgent rewrites an existing agent's description and policy. The
// agent must already exist; no provisioning is re-run.
func (s *Service) UpdateAgent(ctx context.Context, p RegisterAgentParams) (*store.Agent, error) {
	var agent *store.Agent
	err := s.run(ctx, "update_agent", func(ctx context.Context, emit emitFn) error {
		if _, err := s.rel.GetAgent(ctx, p.Key); err != nil {
			return err
		}
		if err := s.rel.RegisterAgent(ctx, p.agent()); err != nil {
			return err
		}
		emit(bus.TopicAgents, "updated", AgentEventPayload{Agent: p.Key.String()})

		var err error
		agent, err = s.rel.GetAgent(ctx, p.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// DeleteAgent removes an agent and cascades its memberships. Messages
// the agent sent are retained.
func (s *Service) DeleteAgent(ctx context.Context, key ident.AgentKey) error {
	return s.run(ctx, "delete_agent", func(ctx context.Context, emit emitFn) error {
		if err := s.rel.DeleteAgent(ctx, key); err != nil {
			return err
		}
		emit(bus.TopicAgents, "deleted", AgentEventPayload{Agent: key.String()})
		return nil
	})
}

// ListAgents returns the agents the caller may discover. The caller
// always sees itself.
func (s *Service) ListAgents(ctx context.Context, caller ident.AgentKey) ([]*store.Agent, error) {
	agents, err := s.rel.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]*store.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Key == caller {
			visible = append(visible, a)
			continue
		}
		ok, err := s.access.DiscoverableTo(ctx, a, caller)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, a)
		}
	}
	return visible, nil
}
