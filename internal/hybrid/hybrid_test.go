// ABOUTME: Tests for the hybrid store: writes, both search paths, reconcile
// ABOUTME: Uses a deterministic stub embedder so similarity is predictable

package hybrid

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/vector"
)

// stubEmbedder maps texts onto fixed axes: anything mentioning "alpha"
// points one way, "beta" the opposite way, everything else sideways.
type stubEmbedder struct{}

func (stubEmbedder) Dimensions() int { return 2 }

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "alpha"):
			out[i] = []float32{1, 0}
		case strings.Contains(t, "beta"):
			out[i] = []float32{-1, 0}
		default:
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func setupRelational(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mesh.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := t.Context()
	alice := ident.AgentKey{Name: "alice"}
	require.NoError(t, s.RegisterAgent(ctx, &store.Agent{Key: alice}))
	require.NoError(t, s.CreateChannel(ctx, &store.Channel{
		ID: "global:general", Access: store.AccessOpen, Scope: ident.ScopeGlobal, Name: "general",
	}))
	require.NoError(t, s.AddMember(ctx, &store.Member{
		ChannelID: "global:general", Key: alice,
		Caps: store.Capabilities{CanSend: true, CanLeave: true},
	}))
	return s
}

func setupHybrid(t *testing.T, rel store.Store, semantic bool) *Store {
	t.Helper()
	if !semantic {
		return New(rel, nil, nil, Options{})
	}
	idx, err := vector.NewSQLiteIndex(filepath.Join(t.TempDir(), "vector.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return New(rel, idx, stubEmbedder{}, Options{})
}

func message(content string, ts float64) *store.Message {
	return &store.Message{
		ChannelID: "global:general",
		Sender:    ident.AgentKey{Name: "alice"},
		Content:   content,
		Timestamp: ts,
	}
}

func TestInsert_RelationalIDIsAuthoritative(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, true)
	ctx := t.Context()

	id, err := h.Insert(ctx, message("alpha release notes", 1000))
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := rel.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alpha release notes", got.Content)
}

func TestInsert_UnknownSender(t *testing.T) {
	rel := setupRelational(t)
	ctx := t.Context()
	ghost := ident.AgentKey{Name: "ghost"}
	msg := &store.Message{ChannelID: "global:general", Sender: ghost, Content: "boo", Timestamp: 1}

	// Without auto-registration the unknown sender is a NotFound.
	h := New(rel, nil, nil, Options{})
	_, err := h.Insert(ctx, msg)
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
	_, err = rel.GetAgent(ctx, ghost)
	assert.True(t, fault.IsNotFound(err))

	// With it the agent row springs into existence; membership rules
	// still apply to the insert itself.
	h = New(rel, nil, nil, Options{AutoRegister: true})
	_, err = h.Insert(ctx, msg)
	require.Error(t, err)
	assert.True(t, fault.IsNotAuthorized(err))

	agent, err := rel.GetAgent(ctx, ghost)
	require.NoError(t, err)
	assert.Equal(t, store.DiscoverabilityPublic, agent.Discoverability)
}

func TestSearch_TextPathRanksAndLimits(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, false)
	ctx := t.Context()

	now := float64(time.Now().UnixMilli()) / 1000.0
	old := message("deploy pipeline is green", now-100*3600)
	recent := message("deploy pipeline is red", now-1)
	_, err := h.Insert(ctx, old)
	require.NoError(t, err)
	_, err = h.Insert(ctx, recent)
	require.NoError(t, err)

	results, err := h.Search(ctx, SearchParams{Query: "deploy pipeline", Profile: "recent"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Equal text similarity, so the recent profile decides by decay.
	assert.Equal(t, "deploy pipeline is red", results[0].Message.Content)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = h.Search(ctx, SearchParams{Query: "deploy", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_QualityProfileWeighsConfidence(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, false)
	ctx := t.Context()

	now := float64(time.Now().UnixMilli()) / 1000.0
	low, high := 0.1, 0.95

	sure := message("the cache invalidation fix works", now-10)
	sure.Confidence = &high
	guess := message("the cache invalidation fix might work", now-5)
	guess.Confidence = &low

	_, err := h.Insert(ctx, sure)
	require.NoError(t, err)
	_, err = h.Insert(ctx, guess)
	require.NoError(t, err)

	results, err := h.Search(ctx, SearchParams{Query: "cache invalidation", Profile: "quality"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "the cache invalidation fix works", results[0].Message.Content)
}

func TestSearch_SemanticPathDiscardsDissimilar(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, true)
	ctx := t.Context()

	now := float64(time.Now().UnixMilli()) / 1000.0
	_, err := h.Insert(ctx, message("alpha launch checklist", now-10))
	require.NoError(t, err)
	_, err = h.Insert(ctx, message("beta retrospective", now-5))
	require.NoError(t, err)

	// The stub puts beta at similarity 0, below the floor.
	results, err := h.Search(ctx, SearchParams{Query: "alpha", Profile: "similarity"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha launch checklist", results[0].Message.Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestSearch_SemanticPathAppliesResidualFilter(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, true)
	ctx := t.Context()

	now := float64(time.Now().UnixMilli()) / 1000.0
	urgent := message("alpha incident report", now-10)
	urgent.Metadata = `{"priority": 9}`
	routine := message("alpha weekly summary", now-5)
	routine.Metadata = `{"priority": 2}`

	_, err := h.Insert(ctx, urgent)
	require.NoError(t, err)
	_, err = h.Insert(ctx, routine)
	require.NoError(t, err)

	results, err := h.Search(ctx, SearchParams{
		Query:  "alpha",
		Filter: map[string]any{"priority": map[string]any{"$gte": 5}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha incident report", results[0].Message.Content)
}

func TestSearch_ChannelConstraintBindsBothPaths(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, true)
	ctx := t.Context()

	alice := ident.AgentKey{Name: "alice"}
	require.NoError(t, rel.CreateChannel(ctx, &store.Channel{
		ID: "global:ops", Access: store.AccessOpen, Scope: ident.ScopeGlobal, Name: "ops",
	}))
	require.NoError(t, rel.AddMember(ctx, &store.Member{
		ChannelID: "global:ops", Key: alice, Caps: store.Capabilities{CanSend: true, CanLeave: true},
	}))

	now := float64(time.Now().UnixMilli()) / 1000.0
	_, err := h.Insert(ctx, message("alpha in general", now-10))
	require.NoError(t, err)
	opsMsg := message("alpha in ops", now-5)
	opsMsg.ChannelID = "global:ops"
	_, err = h.Insert(ctx, opsMsg)
	require.NoError(t, err)

	for _, disable := range []bool{false, true} {
		results, err := h.Search(ctx, SearchParams{
			Query:           "alpha",
			Channels:        []string{"global:ops"},
			DisableSemantic: disable,
		})
		require.NoError(t, err)
		require.Len(t, results, 1, "disableSemantic=%v", disable)
		assert.Equal(t, "alpha in ops", results[0].Message.Content)
	}
}

func TestSearch_SinceUntilNormalization(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, false)
	ctx := t.Context()

	_, err := h.Insert(ctx, message("early alpha note", 1000))
	require.NoError(t, err)
	_, err = h.Insert(ctx, message("late alpha note", 2000))
	require.NoError(t, err)

	results, err := h.Search(ctx, SearchParams{Query: "alpha", Since: 1500})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "late alpha note", results[0].Message.Content)

	results, err = h.Search(ctx, SearchParams{Query: "alpha", Until: time.Unix(1500, 0)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "early alpha note", results[0].Message.Content)

	_, err = h.Search(ctx, SearchParams{Query: "alpha", Since: "not a time"})
	require.Error(t, err)
	assert.True(t, fault.IsBadRequest(err))
}

func TestReconcile_BackfillsMissingEmbeddings(t *testing.T) {
	rel := setupRelational(t)
	ctx := t.Context()

	// Insert through a vector-less hybrid so nothing is indexed.
	plain := setupHybrid(t, rel, false)
	var ids []int64
	for _, content := range []string{"alpha one", "beta two", "gamma three"} {
		id, err := plain.Insert(ctx, message(content, float64(1000+len(ids))))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	idx, err := vector.NewSQLiteIndex(filepath.Join(t.TempDir(), "vector.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	h := New(rel, idx, stubEmbedder{}, Options{})

	indexed, err := h.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, indexed)

	for _, id := range ids {
		has, err := idx.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, has)
	}

	// A second pass finds nothing to do.
	indexed, err = h.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, indexed)
}

func TestReconcile_NoopWithoutVectorBackend(t *testing.T) {
	rel := setupRelational(t)
	h := setupHybrid(t, rel, false)

	indexed, err := h.Reconcile(t.Context(), 10)
	require.NoError(t, err)
	assert.Zero(t, indexed)
}
