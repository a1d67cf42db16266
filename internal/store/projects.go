// ABOUTME: Project registration and cross-project link persistence
// ABOUTME: Links gate discovery of open project channels across tenants

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
)

// RegisterProject registers a project. The call is idempotent: an
// existing project keeps its id and path and only refreshes its name.
func (s *SQLiteStore) RegisterProject(ctx context.Context, id, path, name string) (*Project, error) {
	if id == "" || path == "" {
		return nil, fault.BadRequestf("project id and path are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, path, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, path, name, formatTime(time.Now()))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fault.Conflictf("project path %q is already registered under a different id", path)
		}
		return nil, fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("registered project", "id", id, "path", path)
	return s.GetProject(ctx, id)
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at FROM projects WHERE id = ?
	`, id)
	return scanProject(row, id)
}

// GetProjectByPath retrieves a project by its registered path.
func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, created_at FROM projects WHERE path = ?
	`, path)
	return scanProject(row, path)
}

// ResolveProjectPrefix resolves the 8-character id prefix used in
// channel ids and serialized agent keys back to a full project.
func (s *SQLiteStore) ResolveProjectPrefix(ctx context.Context, prefix string) (*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, created_at FROM projects WHERE id LIKE ? || '%'
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("querying project prefix: %w", err)
	}
	defer rows.Close()

	var found *Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Path, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		if found != nil {
			return nil, fault.Conflictf("project prefix %q is ambiguous", prefix)
		}
		found = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	if found == nil {
		return nil, fault.NotFoundf("project %q does not exist", prefix)
	}
	return found, nil
}

// ListProjects returns every registered project ordered by path.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, created_at FROM projects ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Path, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// LinkProjects records a discovery authorization between two projects.
// Linking the same ordered pair again updates the link type.
func (s *SQLiteStore) LinkProjects(ctx context.Context, a, b string, linkType LinkType) error {
	switch linkType {
	case LinkBidirectional, LinkAToB, LinkBToA:
	default:
		return fault.BadRequestf("link type %q is invalid", linkType)
	}
	if a == b {
		return fault.BadRequestf("project %q cannot link to itself", a)
	}
	for _, id := range []string{a, b} {
		if _, err := s.GetProject(ctx, id); err != nil {
			return err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_links (project_a, project_b, link_type, enabled, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(project_a, project_b) DO UPDATE SET link_type = excluded.link_type, enabled = 1
	`, a, b, string(linkType), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting project link: %w", err)
	}

	s.logger.Debug("linked projects", "a", a, "b", b, "type", linkType)
	return nil
}

// UnlinkProjects removes the link stored under the ordered pair (a, b).
func (s *SQLiteStore) UnlinkProjects(ctx context.Context, a, b string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM project_links WHERE project_a = ? AND project_b = ?
	`, a, b)
	if err != nil {
		return fmt.Errorf("deleting project link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("projects %q and %q are not linked", a, b)
	}

	s.logger.Debug("unlinked projects", "a", a, "b", b)
	return nil
}

// ProjectsLinked reports whether agents of project `from` may discover
// open channels of project `to`. An a_to_b link stored as (from, to)
// grants it, as does a b_to_a link stored as (to, from); bidirectional
// links grant it either way round.
func (s *SQLiteStore) ProjectsLinked(ctx context.Context, from, to string) (bool, error) {
	if from == "" || to == "" || from == to {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM project_links
		WHERE enabled = 1 AND (
			(project_a = ? AND project_b = ? AND link_type IN ('bidirectional', 'a_to_b')) OR
			(project_a = ? AND project_b = ? AND link_type IN ('bidirectional', 'b_to_a'))
		)
		LIMIT 1
	`, from, to, to, from).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying project link: %w", err)
	}
	return true, nil
}

func scanProject(row *sql.Row, ref string) (*Project, error) {
	var p Project
	var createdAt string
	err := row.Scan(&p.ID, &p.Path, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("project %q does not exist", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// DeriveProjectID is a convenience passthrough to the identifier
// grammar for callers registering by path.
func DeriveProjectID(path string) string {
	return ident.ProjectID(path)
}
