// ABOUTME: Agent registration, lookup, and deletion with membership cascade
// ABOUTME: Agents share names across projects, so every lookup carries both halves of the key

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

// RegisterAgent upserts an agent by its (name, project) key. Agents
// are never created implicitly by message inserts at this layer.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	if err := ident.ValidateName("agent", agent.Key.Name); err != nil {
		return err
	}
	if agent.Key.ProjectID != "" {
		if _, err := s.GetProject(ctx, agent.Key.ProjectID); err != nil {
			return err
		}
	}
	if agent.Discoverability == "" {
		agent.Discoverability = DiscoverabilityPublic
	}
	if agent.DMPolicy == "" {
		agent.DMPolicy = DMPolicyOpen
	}
	switch agent.Discoverability {
	case DiscoverabilityPublic, DiscoverabilityProject, DiscoverabilityPrivate:
	default:
		return fault.BadRequestf("discoverability %q is invalid", agent.Discoverability)
	}
	switch agent.DMPolicy {
	case DMPolicyOpen, DMPolicyRestricted, DMPolicyClosed:
	default:
		return fault.BadRequestf("dm policy %q is invalid", agent.DMPolicy)
	}

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents
			(name, project_id, description, discoverability, dm_policy,
			 dm_whitelist, dm_blocklist, never_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, COALESCE(project_id, '')) DO UPDATE SET
			description     = excluded.description,
			discoverability = excluded.discoverability,
			dm_policy       = excluded.dm_policy,
			dm_whitelist    = excluded.dm_whitelist,
			dm_blocklist    = excluded.dm_blocklist,
			never_default   = excluded.never_default,
			updated_at      = excluded.updated_at
	`,
		agent.Key.Name,
		nullString(agent.Key.ProjectID),
		agent.Description,
		string(agent.Discoverability),
		string(agent.DMPolicy),
		marshalStrings(agent.DMAllow),
		marshalStrings(agent.DMBlock),
		boolInt(agent.NeverDefault),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("registered agent", "agent", agent.Key.String())
	return nil
}

// GetAgent retrieves an agent by key. The key's ProjectID may be the
// full project id or empty for global agents.
func (s *SQLiteStore) GetAgent(ctx context.Context, key ident.AgentKey) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, project_id, description, discoverability, dm_policy,
		       dm_whitelist, dm_blocklist, never_default, created_at, updated_at
		FROM agents
		WHERE name = ? AND COALESCE(project_id, '') = ?
	`, key.Name, key.ProjectID)

	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("agent %q does not exist", key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every agent, global agents first, then by project
// id and name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, project_id, description, discoverability, dm_policy,
		       dm_whitelist, dm_blocklist, never_default, created_at, updated_at
		FROM agents
		ORDER BY project_id IS NOT NULL, project_id, name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent and cascades to its membership rows.
// Messages the agent sent are retained.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, key ident.AgentKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM agents WHERE name = ? AND COALESCE(project_id, '') = ?
	`, key.Name, key.ProjectID)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("agent %q does not exist", key.String())
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM channel_members WHERE agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`, key.Name, key.ProjectID); err != nil {
		return fmt.Errorf("deleting agent memberships: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent deletion: %w", err)
	}

	s.logger.Debug("deleted agent", "agent", key.String())
	return nil
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var projectID, whitelist, blocklist sql.NullString
	var neverDefault int
	var createdAt, updatedAt string

	err := scan(
		&a.Key.Name,
		&projectID,
		&a.Description,
		&a.Discoverability,
		&a.DMPolicy,
		&whitelist,
		&blocklist,
		&neverDefault,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Key.ProjectID = strOrEmpty(projectID)
	a.DMAllow = unmarshalStrings(whitelist)
	a.DMBlock = unmarshalStrings(blocklist)
	a.NeverDefault = neverDefault != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
