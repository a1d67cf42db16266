// ABOUTME: Immutable message persistence with membership-at-send enforcement
// ABOUTME: History reads and FTS5 text search with a LIKE fallback

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-mesh/internal/fault"
)

const messageColumns = `id, channel_id, sender_name, sender_project_id, content,
	timestamp, confidence, metadata, tags, session_id, thread_id`

// InsertMessage appends a message. The sender must hold a current
// membership row with can_send and no opt-out tombstone; the check and
// the insert share one transaction so the invariant holds at send time.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (int64, error) {
	if msg.Content == "" {
		return 0, fault.BadRequestf("message content is empty")
	}
	if msg.Confidence != nil && (*msg.Confidence < 0 || *msg.Confidence > 1) {
		return 0, fault.BadRequestf("confidence %v is outside [0,1]", *msg.Confidence)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = float64(time.Now().UnixMilli()) / 1000.0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var canSend, optedOut int
	err = tx.QueryRowContext(ctx, `
		SELECT can_send, opted_out FROM channel_members
		WHERE channel_id = ? AND agent_name = ? AND COALESCE(agent_project_id, '') = ?
	`, msg.ChannelID, msg.Sender.Name, msg.Sender.ProjectID).Scan(&canSend, &optedOut)
	if errors.Is(err, sql.ErrNoRows) {
		// Resolve inside the same tx; a pool query here would wait on
		// the connection this tx is holding.
		var one int
		chErr := tx.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE id = ?`, msg.ChannelID).Scan(&one)
		if errors.Is(chErr, sql.ErrNoRows) {
			return 0, fault.NotFoundf("channel %q does not exist", msg.ChannelID)
		}
		if chErr != nil {
			return 0, fmt.Errorf("querying channel: %w", chErr)
		}
		return 0, fault.NotAuthorizedf("agent %q is not a member of channel %q", msg.Sender.String(), msg.ChannelID)
	}
	if err != nil {
		return 0, fmt.Errorf("querying sender membership: %w", err)
	}
	if optedOut != 0 || canSend == 0 {
		return 0, fault.NotAuthorizedf("agent %q cannot send to channel %q", msg.Sender.String(), msg.ChannelID)
	}

	var tags any
	if len(msg.Tags) > 0 {
		tags = marshalStrings(msg.Tags)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages
			(channel_id, sender_name, sender_project_id, content, timestamp,
			 confidence, metadata, tags, session_id, thread_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ChannelID,
		msg.Sender.Name,
		nullString(msg.Sender.ProjectID),
		msg.Content,
		msg.Timestamp,
		msg.Confidence,
		nullString(msg.Metadata),
		tags,
		nullString(msg.SessionID),
		nullString(msg.ThreadID),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message: %w", err)
	}

	msg.ID = id
	s.logger.Debug("inserted message", "id", id, "channel", msg.ChannelID, "sender", msg.Sender.String())
	return id, nil
}

// UpdateMessageTags replaces a message's tags. Every other field of a
// committed message stays immutable.
func (s *SQLiteStore) UpdateMessageTags(ctx context.Context, id int64, tags []string) error {
	var tagsVal any
	if len(tags) > 0 {
		tagsVal = marshalStrings(tags)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET tags = ? WHERE id = ?`, tagsVal, id)
	if err != nil {
		return fmt.Errorf("updating message tags: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking tag update: %w", err)
	}
	if n == 0 {
		return fault.NotFoundf("message %d does not exist", id)
	}
	s.logger.Debug("updated message tags", "id", id, "tags", len(tags))
	return nil
}

// GetMessage retrieves one message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("message %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// GetMessages returns a channel's history in (timestamp, id) order.
// With a limit and no explicit bounds it returns the most recent rows,
// still sorted ascending via the inner DESC subquery.
func (s *SQLiteStore) GetMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	where := []string{"channel_id = ?"}
	args := []any{q.ChannelID}
	if q.After > 0 {
		where = append(where, "timestamp > ?")
		args = append(args, q.After)
	}
	if q.Before > 0 {
		where = append(where, "timestamp < ?")
		args = append(args, q.Before)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s FROM messages
			WHERE %s
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC
	`, messageColumns, messageColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetMessagesByIDs fetches canonical records for the given ids,
// returned in (timestamp, id) order. Unknown ids are skipped.
func (s *SQLiteStore) GetMessagesByIDs(ctx context.Context, ids []int64) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE id IN (%s)
		ORDER BY timestamp ASC, id ASC
	`, messageColumns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages by ids: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessageIDs pages over message ids for the vector reconciler.
func (s *SQLiteStore) ListMessageIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM messages WHERE id > ? ORDER BY id LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying message ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchMessagesText runs the relational text-search path: FTS5 MATCH
// ranked by bm25, falling back to LIKE when the query cannot be
// expressed as an FTS expression. Similarity proxies land in [0,1];
// LIKE matches all score 0.5.
func (s *SQLiteStore) SearchMessagesText(ctx context.Context, p TextSearchParams) ([]TextHit, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	where, args := textSearchPredicate(p)

	ftsQuery := ftsExpression(p.Query)
	if ftsQuery != "" {
		query := fmt.Sprintf(`
			SELECT %s, bm25(messages_fts) AS rank
			FROM messages_fts
			JOIN messages m ON m.id = messages_fts.rowid
			WHERE messages_fts MATCH ?%s
			ORDER BY rank
			LIMIT ?
		`, prefixColumns("m"), where)
		ftsArgs := append([]any{ftsQuery}, args...)
		ftsArgs = append(ftsArgs, limit)

		hits, err := s.collectTextHits(ctx, query, ftsArgs, true)
		if err == nil {
			return hits, nil
		}
		// A malformed MATCH expression is not the caller's problem;
		// degrade to LIKE the same way an FTS-less build would.
		s.logger.Warn("fts search failed, falling back to LIKE", "error", err)
	}

	query := fmt.Sprintf(`
		SELECT %s, 0.5 AS rank
		FROM messages m
		WHERE m.content LIKE ? ESCAPE '\'%s
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?
	`, prefixColumns("m"), where)
	likeArgs := append([]any{"%" + escapeLike(p.Query) + "%"}, args...)
	likeArgs = append(likeArgs, limit)

	return s.collectTextHits(ctx, query, likeArgs, false)
}

// textSearchPredicate renders the shared restriction clauses for both
// text-search variants. Every fragment references messages as "m".
func textSearchPredicate(p TextSearchParams) (string, []any) {
	var where strings.Builder
	var args []any

	if len(p.ChannelIDs) > 0 {
		where.WriteString(" AND m.channel_id IN (")
		where.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(p.ChannelIDs)), ", "))
		where.WriteString(")")
		for _, id := range p.ChannelIDs {
			args = append(args, id)
		}
	}
	if p.Sender != nil {
		where.WriteString(" AND m.sender_name = ? AND COALESCE(m.sender_project_id, '') = ?")
		args = append(args, p.Sender.Name, p.Sender.ProjectID)
	}
	if p.Since > 0 {
		where.WriteString(" AND m.timestamp >= ?")
		args = append(args, p.Since)
	}
	if p.Until > 0 {
		where.WriteString(" AND m.timestamp <= ?")
		args = append(args, p.Until)
	}
	if p.FilterClause != "" {
		where.WriteString(" AND ")
		where.WriteString(p.FilterClause)
		args = append(args, p.FilterArgs...)
	}
	return where.String(), args
}

func (s *SQLiteStore) collectTextHits(ctx context.Context, query string, args []any, bm25Rank bool) ([]TextHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying text search: %w", err)
	}
	defer rows.Close()

	var hits []TextHit
	for rows.Next() {
		var hit TextHit
		var rank float64
		scan := func(dest ...any) error {
			return rows.Scan(append(dest, &rank)...)
		}
		msg, err := scanMessage(scan)
		if err != nil {
			return nil, fmt.Errorf("scanning text hit: %w", err)
		}
		hit.Message = *msg
		if bm25Rank {
			hit.Similarity = bm25Similarity(rank)
		} else {
			hit.Similarity = rank
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// bm25Similarity normalizes an FTS5 bm25 rank (more negative = better)
// into a [0,1] similarity proxy.
func bm25Similarity(rank float64) float64 {
	score := -rank
	if score <= 0 {
		return 0
	}
	return score / (score + 1)
}

// ftsExpression quotes each query term so user text can never inject
// FTS5 syntax. Empty output means the query has no searchable terms.
func ftsExpression(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func prefixColumns(alias string) string {
	cols := strings.Split(messageColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var senderProject, metadata, tags, sessionID, threadID sql.NullString
	var confidence sql.NullFloat64

	err := scan(
		&m.ID,
		&m.ChannelID,
		&m.Sender.Name,
		&senderProject,
		&m.Content,
		&m.Timestamp,
		&confidence,
		&metadata,
		&tags,
		&sessionID,
		&threadID,
	)
	if err != nil {
		return nil, err
	}

	m.Sender.ProjectID = strOrEmpty(senderProject)
	if confidence.Valid {
		c := confidence.Float64
		m.Confidence = &c
	}
	m.Metadata = strOrEmpty(metadata)
	m.Tags = unmarshalStrings(tags)
	m.SessionID = strOrEmpty(sessionID)
	m.ThreadID = strOrEmpty(threadID)
	return &m, nil
}
