// ABOUTME: The two-path search: semantic over the vector index, relational FTS fallback
// ABOUTME: Both paths share one filter, one ranking pass, and one result shape

package hybrid

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-mesh/internal/filter"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/vector"
)

// SearchParams drives a hybrid search. Since and Until accept ISO-8601
// strings, Unix-second numbers, or time.Time; Filter is the raw
// operator tree in JSON shape.
type SearchParams struct {
	Query           string
	Filter          map[string]any
	Profile         string
	Since           any
	Until           any
	Limit           int
	Channels        []string
	Sender          *ident.AgentKey
	DisableSemantic bool
}

const (
	defaultSearchLimit = 10
	oversampleFactor   = 3
	// Candidates below this similarity are noise regardless of profile.
	minSemanticSimilarity = 0.3
)

// senderSQL reconstructs the serialized agent key from the message row.
const senderSQL = `(CASE WHEN m.sender_project_id IS NULL THEN m.sender_name
	ELSE m.sender_name || '@proj_' || substr(m.sender_project_id, 1, 8) END)`

// messageColumns maps filter fields onto the messages table for the
// relational path. Unmapped paths go through the metadata JSON.
var messageColumns = filter.ColumnMap{
	Columns: map[string]string{
		"channel_id": "m.channel_id",
		"sender":     senderSQL,
		"timestamp":  "m.timestamp",
		"confidence": "m.confidence",
		"content":    "m.content",
		"session_id": "m.session_id",
		"thread_id":  "m.thread_id",
		"tags":       "m.tags",
	},
	ArrayColumns: map[string]bool{"tags": true},
	JSONColumn:   "m.metadata",
}

// Search runs the semantic path when a query and vector backend are
// present, otherwise the relational text path, then ranks survivors by
// the selected profile.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "hybrid.search")
	defer span.End()

	profile, err := ProfileFor(p.Profile)
	if err != nil {
		return nil, err
	}
	since, err := NormalizeTime(p.Since)
	if err != nil {
		return nil, err
	}
	until, err := NormalizeTime(p.Until)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	f, err := filter.Parse(p.Filter)
	if err != nil {
		return nil, err
	}

	var results []Result
	semantic := p.Query != "" && !p.DisableSemantic && s.SemanticAvailable()
	if semantic {
		results, err = s.searchSemantic(ctx, span, p, since, until, limit)
		if err != nil {
			s.logger.Warn("semantic search failed, falling back to text", "error", err)
			semantic = false
		}
	}
	if !semantic {
		results, err = s.searchText(ctx, span, p, f, since, until, limit)
		if err != nil {
			return nil, err
		}
	}

	rankStart := time.Now()
	rank(results, profile, time.Now())
	if len(results) > limit {
		results = results[:limit]
	}
	span.SetAttributes(
		attribute.String("search.profile", profile.Name),
		attribute.Bool("search.semantic", semantic),
		attribute.Int("search.results", len(results)),
		attribute.Float64("latency.ranking_ms", msSince(rankStart)),
	)
	return results, nil
}

func (s *Store) searchSemantic(ctx context.Context, span trace.Span, p SearchParams, since, until float64, limit int) ([]Result, error) {
	embedding, err := s.embedQuery(ctx, p.Query)
	if err != nil {
		return nil, err
	}

	// Fold the search constraints into the filter so the index applies
	// them natively during candidate selection.
	full, err := filter.Parse(conjoinConstraints(p, since, until))
	if err != nil {
		return nil, err
	}
	native, residual := full.SplitNative(vector.Caps())

	vectorStart := time.Now()
	hits, err := s.index.Search(ctx, embedding, native, limit*oversampleFactor)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("latency.vector_ms", msSince(vectorStart)))

	var ids []int64
	similarity := make(map[int64]float64, len(hits))
	for _, h := range hits {
		if h.Similarity < minSemanticSimilarity {
			continue
		}
		ids = append(ids, h.ID)
		similarity[h.ID] = h.Similarity
	}
	if len(ids) == 0 {
		return nil, nil
	}

	relStart := time.Now()
	msgs, err := s.rel.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("latency.relational_ms", msSince(relStart)))

	var results []Result
	for _, m := range msgs {
		if residual != nil && !residual.Match(docFor(m)) {
			continue
		}
		results = append(results, Result{Message: *m, Similarity: similarity[m.ID]})
	}
	return results, nil
}

// embedQuery uses the embedder's cached query path when it has one.
func (s *Store) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if qe, ok := s.embedder.(interface {
		EmbedQuery(ctx context.Context, text string) ([]float32, error)
	}); ok {
		return qe.EmbedQuery(ctx, text)
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *Store) searchText(ctx context.Context, span trace.Span, p SearchParams, f *filter.Filter, since, until float64, limit int) ([]Result, error) {
	clause, args, err := f.SQL(messageColumns)
	if err != nil {
		return nil, err
	}

	relStart := time.Now()
	hits, err := s.rel.SearchMessagesText(ctx, store.TextSearchParams{
		Query:        p.Query,
		ChannelIDs:   p.Channels,
		Sender:       p.Sender,
		Since:        since,
		Until:        until,
		FilterClause: "(" + clause + ")",
		FilterArgs:   args,
		Limit:        limit * oversampleFactor,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("latency.relational_ms", msSince(relStart)))

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{Message: h.Message, Similarity: h.Similarity})
	}
	return results, nil
}

// conjoinConstraints wraps the caller's filter with the channel,
// sender, and time-range constraints as one conjunction.
func conjoinConstraints(p SearchParams, since, until float64) map[string]any {
	var clauses []any
	if len(p.Filter) > 0 {
		clauses = append(clauses, p.Filter)
	}
	if len(p.Channels) > 0 {
		in := make([]any, len(p.Channels))
		for i, c := range p.Channels {
			in[i] = c
		}
		clauses = append(clauses, map[string]any{"channel_id": map[string]any{"$in": in}})
	}
	if p.Sender != nil {
		clauses = append(clauses, map[string]any{"sender": p.Sender.String()})
	}
	if since != 0 {
		clauses = append(clauses, map[string]any{"timestamp": map[string]any{"$gte": since}})
	}
	if until != 0 {
		clauses = append(clauses, map[string]any{"timestamp": map[string]any{"$lte": until}})
	}

	switch len(clauses) {
	case 0:
		return nil
	case 1:
		if m, ok := clauses[0].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{"$and": clauses}
}

// docFor exposes a message's core fields and metadata to the in-memory
// filter evaluator, mirroring the column map of the SQL path.
func docFor(m *store.Message) filter.Doc {
	fields := map[string]any{
		"channel_id": m.ChannelID,
		"sender":     m.Sender.String(),
		"timestamp":  m.Timestamp,
		"content":    m.Content,
		"tags":       m.Tags,
	}
	if m.Confidence != nil {
		fields["confidence"] = *m.Confidence
	}
	if m.SessionID != "" {
		fields["session_id"] = m.SessionID
	}
	if m.ThreadID != "" {
		fields["thread_id"] = m.ThreadID
	}
	return filter.Doc{Fields: fields, Metadata: m.Metadata}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
