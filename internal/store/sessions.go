// ABOUTME: Host session records for message attribution
// ABOUTME: Registered by the external tool layer on session start

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-mesh/internal/fault"
)

// RegisterSession upserts a session record by id.
func (s *SQLiteStore) RegisterSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fault.BadRequestf("session id is required")
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, project_path, transport, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id   = excluded.project_id,
			project_path = excluded.project_path,
			transport    = excluded.transport,
			scope        = excluded.scope,
			updated_at   = excluded.updated_at
	`,
		sess.ID,
		nullString(sess.ProjectID),
		nullString(sess.ProjectPath),
		sess.Transport,
		sess.Scope,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	s.logger.Debug("registered session", "id", sess.ID, "scope", sess.Scope)
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var projectID, projectPath sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, project_path, transport, scope, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &projectID, &projectPath, &sess.Transport, &sess.Scope, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("session %q does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.ProjectID = strOrEmpty(projectID)
	sess.ProjectPath = strOrEmpty(projectPath)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}
