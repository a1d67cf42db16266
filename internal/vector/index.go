// ABOUTME: SQLite-backed embedding index living in its own sidecar file
// ABOUTME: Native filters narrow candidates in SQL; similarity is computed in process

package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/filter"
	"github.com/2389/coven-mesh/internal/ident"
)

// IndexRecord is one message's entry in the embedding index. The
// metadata columns mirror the fields the index can filter natively.
type IndexRecord struct {
	MessageID  int64
	Embedding  []float32
	ChannelID  string
	Sender     ident.AgentKey
	Timestamp  float64
	Confidence *float64
	Tags       []string
}

// Hit is a scored candidate from a similarity search.
type Hit struct {
	ID         int64
	Similarity float64
}

// senderExpr reconstructs the serialized agent key from the two sender
// columns so filters on "sender" match the wire form.
const senderExpr = `(CASE WHEN sender_project_id IS NULL THEN sender_name
	ELSE sender_name || '@proj_' || substr(sender_project_id, 1, 8) END)`

var indexColumns = filter.ColumnMap{
	Columns: map[string]string{
		"timestamp":  "timestamp",
		"confidence": "confidence",
		"channel_id": "channel_id",
		"sender":     senderExpr,
	},
}

// Caps reports which filter fields the index applies in SQL during
// candidate selection. Everything else is the caller's residual.
func Caps() filter.NativeCaps {
	return filter.NativeCaps{Fields: map[string]bool{
		"timestamp":  true,
		"confidence": true,
		"channel_id": true,
		"sender":     true,
	}}
}

// SQLiteIndex stores L2-normalized embeddings as float32 little-endian
// blobs in a sidecar database, weakly keyed by relational message id.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteIndex opens (or creates) the sidecar database at path.
func NewSQLiteIndex(path string, logger *slog.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vector")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating vector directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	// The numeric indexes must exist before the first write so range
	// filters on timestamp and confidence never fall back to scans.
	schema := `
		CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id        INTEGER PRIMARY KEY,
			embedding         BLOB NOT NULL,
			dim               INTEGER NOT NULL,
			channel_id        TEXT NOT NULL,
			sender_name       TEXT NOT NULL,
			sender_project_id TEXT,
			timestamp         REAL NOT NULL,
			confidence        REAL,
			has_confidence    INTEGER NOT NULL DEFAULT 0,
			tags              TEXT NOT NULL DEFAULT '[]',
			indexed_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_embeddings_timestamp
			ON message_embeddings(timestamp);
		CREATE INDEX IF NOT EXISTS idx_embeddings_confidence
			ON message_embeddings(confidence);
		CREATE INDEX IF NOT EXISTS idx_embeddings_channel
			ON message_embeddings(channel_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}

	logger.Info("vector index initialized", "path", path)
	return &SQLiteIndex{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// Index upserts one record by message id. The embedding is
// L2-normalized before storage so search can use a plain dot product.
func (x *SQLiteIndex) Index(ctx context.Context, rec IndexRecord) error {
	if rec.MessageID <= 0 {
		return fault.BadRequestf("index record requires a positive message id")
	}
	if len(rec.Embedding) == 0 {
		return fault.BadRequestf("index record for message %d has an empty embedding", rec.MessageID)
	}

	normalized := normalize(rec.Embedding)
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	var confidence any
	hasConfidence := 0
	if rec.Confidence != nil {
		confidence = *rec.Confidence
		hasConfidence = 1
	}
	var senderProject any
	if rec.Sender.ProjectID != "" {
		senderProject = rec.Sender.ProjectID
	}

	_, err = x.db.ExecContext(ctx, `
		INSERT INTO message_embeddings
			(message_id, embedding, dim, channel_id, sender_name, sender_project_id,
			 timestamp, confidence, has_confidence, tags, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			embedding = excluded.embedding,
			dim = excluded.dim,
			channel_id = excluded.channel_id,
			sender_name = excluded.sender_name,
			sender_project_id = excluded.sender_project_id,
			timestamp = excluded.timestamp,
			confidence = excluded.confidence,
			has_confidence = excluded.has_confidence,
			tags = excluded.tags,
			indexed_at = excluded.indexed_at`,
		rec.MessageID, encodeVector(normalized), len(normalized), rec.ChannelID,
		rec.Sender.Name, senderProject, rec.Timestamp, confidence, hasConfidence,
		string(tags), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("indexing message %d: %w", rec.MessageID, err)
	}

	x.logger.Debug("indexed embedding", "message_id", rec.MessageID, "dim", len(normalized))
	return nil
}

// UpdateTags rewrites the tags column of an indexed message. A missing
// row is not an error; the reconcile pass indexes it with current tags.
func (x *SQLiteIndex) UpdateTags(ctx context.Context, messageID int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = x.db.ExecContext(ctx, `
		UPDATE message_embeddings SET tags = ? WHERE message_id = ?`,
		string(encoded), messageID)
	if err != nil {
		return fmt.Errorf("updating tags for message %d: %w", messageID, err)
	}
	return nil
}

// Search returns the top candidates by similarity, most similar first.
// The native filter, if present, narrows candidates in SQL; rows whose
// dimension does not match the query are skipped. Similarity is
// (dot+1)/2 over the normalized vectors, so it lands in [0, 1].
func (x *SQLiteIndex) Search(ctx context.Context, embedding []float32, native *filter.Filter, limit int) ([]Hit, error) {
	if len(embedding) == 0 {
		return nil, fault.BadRequestf("search requires a query embedding")
	}
	if limit <= 0 {
		limit = 10
	}

	clause, args := "1=1", []any(nil)
	if native != nil {
		var err error
		clause, args, err = native.SQL(indexColumns)
		if err != nil {
			return nil, err
		}
	}

	query := "SELECT message_id, embedding, dim FROM message_embeddings WHERE " + clause
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching embeddings: %w", err)
	}
	defer rows.Close()

	q := normalize(embedding)
	var hits []Hit
	for rows.Next() {
		var id int64
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		if dim != len(q) {
			continue
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			x.logger.Warn("skipping corrupt embedding", "message_id", id, "error", err)
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: (dot(q, vec) + 1) / 2})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embedding rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Delete removes one entry. Deleting an absent id is not an error.
func (x *SQLiteIndex) Delete(ctx context.Context, messageID int64) error {
	if _, err := x.db.ExecContext(ctx,
		"DELETE FROM message_embeddings WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("deleting embedding %d: %w", messageID, err)
	}
	return nil
}

// Has reports whether a message id is indexed.
func (x *SQLiteIndex) Has(ctx context.Context, messageID int64) (bool, error) {
	var one int
	err := x.db.QueryRowContext(ctx,
		"SELECT 1 FROM message_embeddings WHERE message_id = ?", messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing embedding %d: %w", messageID, err)
	}
	return true, nil
}

// Count returns the number of indexed embeddings.
func (x *SQLiteIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := x.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("blob is %d bytes, want %d", len(blob), 4*dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// normalize returns an L2-normalized copy. Zero vectors pass through
// unchanged rather than dividing by zero.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	// Normalized float32 rounding can push the product fractionally
	// outside [-1, 1].
	return math.Max(-1, math.Min(1, sum))
}
