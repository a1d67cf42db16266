// ABOUTME: Hybrid message store composing the relational store with the vector index
// ABOUTME: Relational writes are authoritative; embedding indexing is best effort

package hybrid

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/vector"
)

// Options configures a hybrid store.
type Options struct {
	// AutoRegister makes unknown senders spring into existence as
	// agents with default policy instead of failing the insert.
	AutoRegister bool
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// Store writes messages relationally first and mirrors them into the
// vector index when one is configured. Index and Embedder may both be
// nil; every read path degrades to relational text search.
type Store struct {
	rel          store.Store
	index        *vector.SQLiteIndex
	embedder     vector.Embedder
	autoRegister bool
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New builds a hybrid store. A nil index or embedder disables the
// semantic path without error.
func New(rel store.Store, index *vector.SQLiteIndex, embedder vector.Embedder, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("hybrid")
	}
	return &Store{
		rel:          rel,
		index:        index,
		embedder:     embedder,
		autoRegister: opts.AutoRegister,
		logger:       logger.With("component", "hybrid"),
		tracer:       tracer,
	}
}

// SemanticAvailable reports whether the semantic search path can run.
func (s *Store) SemanticAvailable() bool {
	return s.index != nil && s.embedder != nil
}

// Insert writes a message. The relational insert is authoritative and
// assigns the id; a failed embedding index never fails the write.
func (s *Store) Insert(ctx context.Context, msg *store.Message) (int64, error) {
	if _, err := s.rel.GetAgent(ctx, msg.Sender); err != nil {
		if !fault.IsNotFound(err) {
			return 0, err
		}
		if !s.autoRegister {
			return 0, err
		}
		if err := s.rel.RegisterAgent(ctx, &store.Agent{Key: msg.Sender}); err != nil {
			return 0, fmt.Errorf("auto-registering sender %s: %w", msg.Sender.String(), err)
		}
		s.logger.Info("auto-registered sender", "agent", msg.Sender.String())
	}

	id, err := s.rel.InsertMessage(ctx, msg)
	if err != nil {
		return 0, err
	}

	if s.SemanticAvailable() {
		if err := s.indexMessage(ctx, id, msg); err != nil {
			s.logger.Warn("embedding index write failed", "message_id", id, "error", err)
		}
	}
	return id, nil
}

func (s *Store) indexMessage(ctx context.Context, id int64, msg *store.Message) error {
	vecs, err := s.embedder.Embed(ctx, []string{msg.Content})
	if err != nil {
		return err
	}
	return s.index.Index(ctx, vector.IndexRecord{
		MessageID:  id,
		Embedding:  vecs[0],
		ChannelID:  msg.ChannelID,
		Sender:     msg.Sender,
		Timestamp:  msg.Timestamp,
		Confidence: msg.Confidence,
		Tags:       msg.Tags,
	})
}

// UpdateTags amends a message's tags in the relational store and, best
// effort, in the vector index. Content stays immutable.
func (s *Store) UpdateTags(ctx context.Context, id int64, tags []string) error {
	if err := s.rel.UpdateMessageTags(ctx, id, tags); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.UpdateTags(ctx, id, tags); err != nil {
			s.logger.Warn("embedding tag update failed", "message_id", id, "error", err)
		}
	}
	return nil
}

// Reconcile scans relational message ids missing from the vector index
// and backfills their embeddings in batches. It returns the number of
// messages indexed. Upserts make repeated runs idempotent.
func (s *Store) Reconcile(ctx context.Context, batchSize int) (int, error) {
	if !s.SemanticAvailable() {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	indexed := 0
	var afterID int64
	for {
		ids, err := s.rel.ListMessageIDs(ctx, afterID, batchSize)
		if err != nil {
			return indexed, err
		}
		if len(ids) == 0 {
			return indexed, nil
		}
		afterID = ids[len(ids)-1]

		var missing []int64
		for _, id := range ids {
			has, err := s.index.Has(ctx, id)
			if err != nil {
				return indexed, err
			}
			if !has {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			continue
		}

		msgs, err := s.rel.GetMessagesByIDs(ctx, missing)
		if err != nil {
			return indexed, err
		}
		contents := make([]string, len(msgs))
		for i, m := range msgs {
			contents[i] = m.Content
		}
		vecs, err := s.embedder.Embed(ctx, contents)
		if err != nil {
			return indexed, err
		}
		for i, m := range msgs {
			if err := s.index.Index(ctx, vector.IndexRecord{
				MessageID:  m.ID,
				Embedding:  vecs[i],
				ChannelID:  m.ChannelID,
				Sender:     m.Sender,
				Timestamp:  m.Timestamp,
				Confidence: m.Confidence,
				Tags:       m.Tags,
			}); err != nil {
				return indexed, err
			}
			indexed++
		}
	}
}
