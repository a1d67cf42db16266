// ABOUTME: Channel creation, lookup, archival, and default-channel queries
// ABOUTME: Direct and notes channels are created atomically with their fixed members

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

// CreateChannel creates a regular channel. Fails with Conflict if the
// id already exists. Direct and notes channels go through
// CreateChannelWithMembers so their shape invariants hold from birth.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertChannel(ctx, tx, ch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "scope", ch.Scope, "access", ch.Access)
	return nil
}

// CreateChannelWithMembers creates a channel and its initial membership
// rows in one transaction. Direct channels must arrive with exactly two
// members that cannot leave; notes channels with exactly the owner.
func (s *SQLiteStore) CreateChannelWithMembers(ctx context.Context, ch *Channel, members []*Member) error {
	if ch.Kind == ChannelKindDirect {
		if len(members) != 2 {
			return fault.Invariantf("direct channel %q must have exactly two members", ch.ID)
		}
		for _, m := range members {
			if m.Caps.CanLeave {
				return fault.Invariantf("direct channel %q members cannot have can_leave", ch.ID)
			}
		}
	}
	if ch.IsNotes() {
		if len(members) != 1 || members[0].Key != *ch.Owner {
			return fault.Invariantf("notes channel %q must have exactly its owner as member", ch.ID)
		}
		if members[0].Caps.CanLeave {
			return fault.Invariantf("notes channel %q owner cannot have can_leave", ch.ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertChannel(ctx, tx, ch); err != nil {
		return err
	}
	for _, m := range members {
		m.ChannelID = ch.ID
		if err := insertMember(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing channel with members: %w", err)
	}

	s.logger.Debug("created channel with members", "id", ch.ID, "members", len(members))
	return nil
}

func insertChannel(ctx context.Context, tx *sql.Tx, ch *Channel) error {
	if ch.Kind == "" {
		ch.Kind = ChannelKindRegular
	}
	if ch.Kind == ChannelKindDirect && ch.Access != AccessPrivate {
		return fault.Invariantf("direct channel %q must be private", ch.ID)
	}
	switch ch.Access {
	case AccessOpen, AccessMembers, AccessPrivate:
	default:
		return fault.BadRequestf("channel access %q is invalid", ch.Access)
	}
	switch ch.Scope {
	case ident.ScopeGlobal, ident.ScopeProject, ident.ScopeDirect:
	default:
		return fault.BadRequestf("channel scope %q is invalid", ch.Scope)
	}
	if ch.Scope == ident.ScopeProject && ch.ProjectID == "" {
		return fault.BadRequestf("project channel %q requires a project id", ch.ID)
	}

	var ownerName, ownerProject any
	if ch.Owner != nil {
		ownerName = ch.Owner.Name
		ownerProject = nullString(ch.Owner.ProjectID)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO channels
			(id, kind, access, scope, project_id, name, description,
			 is_default, is_archived, owner_name, owner_project_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		ch.ID,
		string(ch.Kind),
		string(ch.Access),
		ch.Scope,
		nullString(ch.ProjectID),
		ch.Name,
		ch.Description,
		boolInt(ch.IsDefault),
		ownerName,
		ownerProject,
		formatTime(time.Now()),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fault.Conflictf("channel %q already exists", ch.ID)
		}
		return fmt.Errorf("inserting channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by id.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, access, scope, project_id, name, description,
		       is_default, is_archived, owner_name, owner_project_id, created_at
		FROM channels
		WHERE id = ?
	`, id)

	ch, err := scanChannel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("channel %q does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns every channel ordered by id. Access filtering is
// the access view's job, not this listing's.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, access, scope, project_id, name, description,
		       is_default, is_archived, owner_name, owner_project_id, created_at
		FROM channels
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// ListDefaultChannels returns the unarchived is_default channels of one
// scope: global when projectID is empty, otherwise that project's.
func (s *SQLiteStore) ListDefaultChannels(ctx context.Context, projectID string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, access, scope, project_id, name, description,
		       is_default, is_archived, owner_name, owner_project_id, created_at
		FROM channels
		WHERE is_default = 1 AND is_archived = 0 AND COALESCE(project_id, '') = ?
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying default channels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// ArchiveChannel soft-archives a channel. Archival is a flag, never a
// deletion.
func (s *SQLiteStore) ArchiveChannel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET is_archived = 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("archiving channel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("channel %q does not exist", id)
	}

	s.logger.Debug("archived channel", "id", id)
	return nil
}

// UpdateChannelDescription replaces a channel's description.
func (s *SQLiteStore) UpdateChannelDescription(ctx context.Context, id, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channels SET description = ? WHERE id = ?
	`, description, id)
	if err != nil {
		return fmt.Errorf("updating channel description: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("channel %q does not exist", id)
	}
	return nil
}

func collectChannels(rows *sql.Rows) ([]*Channel, error) {
	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func scanChannel(scan func(dest ...any) error) (*Channel, error) {
	var ch Channel
	var projectID, ownerName, ownerProject sql.NullString
	var isDefault, isArchived int
	var createdAt string

	err := scan(
		&ch.ID,
		&ch.Kind,
		&ch.Access,
		&ch.Scope,
		&projectID,
		&ch.Name,
		&ch.Description,
		&isDefault,
		&isArchived,
		&ownerName,
		&ownerProject,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	ch.ProjectID = strOrEmpty(projectID)
	ch.IsDefault = isDefault != 0
	ch.IsArchived = isArchived != 0
	ch.CreatedAt = parseTime(createdAt)
	if ownerName.Valid {
		ch.Owner = &ident.AgentKey{Name: ownerName.String, ProjectID: strOrEmpty(ownerProject)}
	}
	return &ch, nil
}
