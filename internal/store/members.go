// ABOUTME: Membership rows: the only structure conferring channel access
// ABOUTME: Guards the fixed shapes of direct and notes channels on every mutation

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

// AddMember adds a membership row. Direct and notes channels have fixed
// membership, so adding to them fails with Invariant; adding an
// existing member fails with Conflict.
func (s *SQLiteStore) AddMember(ctx context.Context, m *Member) error {
	ch, err := s.GetChannel(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	if ch.Kind == ChannelKindDirect {
		return fault.Invariantf("direct channel %q has fixed membership", ch.ID)
	}
	if ch.IsNotes() {
		return fault.Invariantf("notes channel %q admits only its owner", ch.ID)
	}
	if _, err := s.GetAgent(ctx, m.Key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMember(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing member: %w", err)
	}

	s.logger.Debug("added member", "channel", m.ChannelID, "agent", m.Key.String(), "source", m.Source)
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, m *Member) error {
	if m.Source == "" {
		m.Source = SourceManual
	}
	if m.InvitedBy == "" {
		m.InvitedBy = InviterSelf
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO channel_members
			(channel_id, agent_name, agent_project_id, invited_by, source,
			 can_send, can_invite, can_leave, can_manage, from_default, opted_out, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ChannelID,
		m.Key.Name,
		nullString(m.Key.ProjectID),
		m.InvitedBy,
		string(m.Source),
		boolInt(m.Caps.CanSend),
		boolInt(m.Caps.CanInvite),
		boolInt(m.Caps.CanLeave),
		boolInt(m.Caps.CanManage),
		boolInt(m.FromDefault),
		boolInt(m.OptedOut),
		formatTime(time.Now()),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fault.Conflictf("agent %q is already a member of channel %q", m.Key.String(), m.ChannelID)
		}
		return fmt.Errorf("inserting member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row. Direct and notes channels
// never shrink.
func (s *SQLiteStore) RemoveMember(ctx context.Context, channelID string, key ident.AgentKey) error {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == ChannelKindDirect {
		return fault.Invariantf("direct channel %q has fixed membership", ch.ID)
	}
	if ch.IsNotes() {
		return fault.Invariantf("notes channel %q keeps its owner", ch.ID)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_members
		WHERE channel_id = ? AND agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`, channelID, key.Name, key.ProjectID)
	if err != nil {
		return fmt.Errorf("deleting member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("agent %q is not a member of channel %q", key.String(), channelID)
	}

	s.logger.Debug("removed member", "channel", channelID, "agent", key.String())
	return nil
}

// GetMember retrieves one membership row, tombstones included.
func (s *SQLiteStore) GetMember(ctx context.Context, channelID string, key ident.AgentKey) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, agent_name, agent_project_id, invited_by, source,
		       can_send, can_invite, can_leave, can_manage, from_default, opted_out, joined_at
		FROM channel_members
		WHERE channel_id = ? AND agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`, channelID, key.Name, key.ProjectID)

	m, err := scanMember(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("agent %q is not a member of channel %q", key.String(), channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying member: %w", err)
	}
	return m, nil
}

// ListMembers returns a channel's membership rows ordered by agent key,
// global agents first.
func (s *SQLiteStore) ListMembers(ctx context.Context, channelID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, agent_name, agent_project_id, invited_by, source,
		       can_send, can_invite, can_leave, can_manage, from_default, opted_out, joined_at
		FROM channel_members
		WHERE channel_id = ?
		ORDER BY agent_project_id IS NOT NULL, agent_project_id, agent_name
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

// ListMemberships returns every membership row of one agent.
func (s *SQLiteStore) ListMemberships(ctx context.Context, key ident.AgentKey) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, agent_name, agent_project_id, invited_by, source,
		       can_send, can_invite, can_leave, can_manage, from_default, opted_out, joined_at
		FROM channel_members
		WHERE agent_name = ? AND COALESCE(agent_project_id, '') = ?
		ORDER BY channel_id
	`, key.Name, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()
	return collectMembers(rows)
}

// SetMemberOptOut flips the soft-leave tombstone on a membership row.
// The row stays in place so default provisioning never re-adds it.
func (s *SQLiteStore) SetMemberOptOut(ctx context.Context, channelID string, key ident.AgentKey, optedOut bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_members SET opted_out = ?
		WHERE channel_id = ? AND agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`, boolInt(optedOut), channelID, key.Name, key.ProjectID)
	if err != nil {
		return fmt.Errorf("updating opt-out: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("agent %q is not a member of channel %q", key.String(), channelID)
	}

	s.logger.Debug("set member opt-out", "channel", channelID, "agent", key.String(), "opted_out", optedOut)
	return nil
}

// UpdateMemberCaps replaces a membership's capability bits.
func (s *SQLiteStore) UpdateMemberCaps(ctx context.Context, channelID string, key ident.AgentKey, caps Capabilities) error {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if (ch.Kind == ChannelKindDirect || ch.IsNotes()) && caps.CanLeave {
		return fault.Invariantf("members of channel %q cannot be granted can_leave", channelID)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_members
		SET can_send = ?, can_invite = ?, can_leave = ?, can_manage = ?
		WHERE channel_id = ? AND agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`,
		boolInt(caps.CanSend), boolInt(caps.CanInvite), boolInt(caps.CanLeave), boolInt(caps.CanManage),
		channelID, key.Name, key.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("updating member caps: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return fault.NotFoundf("agent %q is not a member of channel %q", key.String(), channelID)
	}
	return nil
}

// ShareNonDirectChannel reports whether two agents are both active
// members of at least one non-direct channel. Used by the restricted
// DM policy.
func (s *SQLiteStore) ShareNonDirectChannel(ctx context.Context, a, b ident.AgentKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM channel_members ma
		JOIN channel_members mb ON ma.channel_id = mb.channel_id
		JOIN channels c ON c.id = ma.channel_id
		WHERE c.kind <> 'direct'
		  AND ma.opted_out = 0 AND mb.opted_out = 0
		  AND ma.agent_name = ? AND COALESCE(ma.agent_project_id, '') = ?
		  AND mb.agent_name = ? AND COALESCE(mb.agent_project_id, '') = ?
		LIMIT 1
	`, a.Name, a.ProjectID, b.Name, b.ProjectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying shared channels: %w", err)
	}
	return true, nil
}

func collectMembers(rows *sql.Rows) ([]*Member, error) {
	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanMember(scan func(dest ...any) error) (*Member, error) {
	var m Member
	var projectID sql.NullString
	var canSend, canInvite, canLeave, canManage, fromDefault, optedOut int
	var joinedAt string

	err := scan(
		&m.ChannelID,
		&m.Key.Name,
		&projectID,
		&m.InvitedBy,
		&m.Source,
		&canSend,
		&canInvite,
		&canLeave,
		&canManage,
		&fromDefault,
		&optedOut,
		&joinedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Key.ProjectID = strOrEmpty(projectID)
	m.Caps = Capabilities{
		CanSend:   canSend != 0,
		CanInvite: canInvite != 0,
		CanLeave:  canLeave != 0,
		CanManage: canManage != 0,
	}
	m.FromDefault = fromDefault != 0
	m.OptedOut = optedOut != 0
	m.JoinedAt = parseTime(joinedAt)
	return &m, nil
}
