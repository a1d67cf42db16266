// ABOUTME: Integration-style scenario tests exercising the facade end to
// ABOUTME: end over a temp-dir store, covering join, DM, defaults, search

package mesh

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/hybrid"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/vector"
)

// stubEmbedder maps auth-flavored text onto one axis and everything
// else onto the other, so similarity is decisive without a backend.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(strings.ToLower(text), "auth") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 2 }

type testMesh struct {
	svc *Service
	rel store.Store
	bus *bus.Bus
}

func newTestMesh(t *testing.T, ringSize int, semantic bool) *testMesh {
	t.Helper()
	rel, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mesh.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	var index *vector.SQLiteIndex
	var embedder vector.Embedder
	if semantic {
		index, err = vector.NewSQLiteIndex(filepath.Join(t.TempDir(), "vec.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { index.Close() })
		embedder = stubEmbedder{}
	}

	b := bus.New(ringSize, nil)
	hy := hybrid.New(rel, index, embedder, hybrid.Options{})
	return &testMesh{svc: New(rel, hy, b, Options{}), rel: rel, bus: b}
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func registerProject(t *testing.T, m *testMesh, path, name string) string {
	t.Helper()
	p, err := m.svc.RegisterProject(t.Context(), path, name)
	require.NoError(t, err)
	return p.ID
}

func registerAgent(t *testing.T, m *testMesh, p RegisterAgentParams) {
	t.Helper()
	_, err := m.svc.RegisterAgent(t.Context(), p)
	require.NoError(t, err)
}

func TestScenarioOpenChannelJoinAndSend(t *testing.T) {
	m := newTestMesh(t, 0, false)
	ctx := t.Context()

	p1 := registerProject(t, m, "/work/p1", "P1")
	alice := ident.AgentKey{Name: "alice", ProjectID: p1}
	bob := ident.AgentKey{Name: "bob", ProjectID: p1}
	registerAgent(t, m, RegisterAgentParams{Key: alice})
	registerAgent(t, m, RegisterAgentParams{Key: bob})

	ch, err := m.svc.CreateChannel(ctx, CreateChannelParams{
		Name: "dev", ProjectID: p1, Access: store.AccessOpen,
	})
	require.NoError(t, err)

	sub, err := m.svc.Subscribe(ctx, bus.SubscribeOptions{
		LastSeenID: m.bus.Publish(bus.TopicSystem, "mark", nil).ID,
		Topics:     []string{bus.TopicMembers, bus.TopicMessages},
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.svc.JoinChannel(ctx, alice, ch.ID))
	row, err := m.rel.GetMember(ctx, ch.ID, alice)
	require.NoError(t, err)
	assert.True(t, row.Caps.CanSend)
	assert.True(t, row.Caps.CanLeave)
	assert.False(t, row.Caps.CanInvite)
	assert.False(t, row.Caps.CanManage)

	id, err := m.svc.SendMessage(ctx, SendParams{Sender: alice, ChannelID: ch.ID, Content: "hello"})
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = m.svc.SendMessage(ctx, SendParams{Sender: bob, ChannelID: ch.ID, Content: "hi"})
	assert.True(t, fault.IsNotAuthorized(err))

	joined := nextEvent(t, sub)
	assert.Equal(t, bus.TopicMembers, joined.Topic)
	assert.Equal(t, "joined", joined.Type)
	assert.Equal(t, alice.String(), joined.Payload.(MemberEventPayload).Agent)

	created := nextEvent(t, sub)
	assert.Equal(t, bus.TopicMessages, created.Topic)
	assert.Equal(t, "created", created.Type)
	assert.Equal(t, id, created.Payload.(MessageEventPayload).ID)
	assert.Greater(t, created.ID, joined.ID)
}

func TestScenarioDirectMessageDeniedByPolicy(t *testing.T) {
	m := newTestMesh(t, 0, false)
	ctx := t.Context()

	a := ident.AgentKey{Name: "a"}
	b := ident.AgentKey{Name: "b"}
	registerAgent(t, m, RegisterAgentParams{Key: a, DMPolicy: store.DMPolicyClosed})
	registerAgent(t, m, RegisterAgentParams{Key: b, DMPolicy: store.DMPolicyOpen})

	// Policy is symmetric: a closed side denies either initiator.
	_, err := m.svc.SendDirectMessage(ctx, DirectMessageParams{Sender: b, To: a, Content: "hello"})
	assert.True(t, fault.IsNotAuthorized(err))
	_, err = m.svc.SendDirectMessage(ctx, DirectMessageParams{Sender: a, To: b, Content: "hello"})
	assert.True(t, fault.IsNotAuthorized(err))
}

func TestSendDirectMessageCarriesOptionalFields(t *testing.T) {
	m := newTestMesh(t, 0, false)
	ctx := t.Context()

	a := ident.AgentKey{Name: "a"}
	b := ident.AgentKey{Name: "b"}
	registerAgent(t, m, RegisterAgentParams{Key: a})
	registerAgent(t, m, RegisterAgentParams{Key: b})

	conf := 0.8
	id, err := m.svc.SendDirectMessage(ctx, DirectMessageParams{
		Sender:     a,
		To:         b,
		Content:    "handoff notes",
		Confidence: &conf,
		Metadata:   `{"breadcrumbs":{"files":["auth.go"]}}`,
		Tags:       []string{"handoff"},
		SessionID:  "sess-dm",
		ThreadID:   "thr-dm",
	})
	require.NoError(t, err)

	msg, err := m.rel.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ident.DirectChannelID(a, b), msg.ChannelID)
	require.NotNil(t, msg.Confidence)
	assert.InDelta(t, 0.8, *msg.Confidence, 1e-9)
	assert.JSONEq(t, `{"breadcrumbs":{"files":["auth.go"]}}`, msg.Metadata)
	assert.Equal(t, []string{"handoff"}, msg.Tags)
	assert.Equal(t, "sess-dm", msg.SessionID)
	assert.Equal(t, "thr-dm", msg.ThreadID)
}

func TestScenarioDefaultProvisioningWithOptOut(t *testing.T) {
	m := newTestMesh(t, 0, false)
	ctx := t.Context()

	_, err := m.svc.CreateChannel(ctx, CreateChannelParams{Name: "general", IsDefault: true})
	require.NoError(t, err)
	_, err = m.svc.CreateChannel(ctx, CreateChannelParams{Name: "random", IsDefault: true})
	require.NoError(t, err)

	alice := ident.AgentKey{Name: "alice"}
	registerAgent(t, m, RegisterAgentParams{Key: alice, ExcludeDefaults: []string{"random"}})

	memberships, err := m.rel.ListMemberships(ctx, alice)
	require.NoError(t, err)
	var defaulted []*store.Member
	for _, row := range memberships {
		if row.FromDefault {
			defaulted = append(defaulted, row)
		}
	}
	require.Len(t, defaulted, 1)
	assert.Equal(t, "global:general", defaulted[0].ChannelID)
	assert.Equal(t, store.SourceDefault, defaulted[0].Source)

	// Leaving a default channel tombstones the row.
	require.NoError(t, m.svc.LeaveChannel(ctx, alice, "global:general"))
	row, err := m.rel.GetMember(ctx, "global:general", alice)
	require.NoError(t, err)
	assert.True(t, row.OptedOut)

	// Re-registration does not re-add the tombstoned membership.
	registerAgent(t, m, RegisterAgentParams{Key: alice, ExcludeDefaults: []string{"random"}})
	row, err = m.rel.GetMember(ctx, "global:general", alice)
	require.NoError(t, err)
	assert.True(t, row.OptedOut)

	_, err = m.svc.SendMessage(ctx, SendParams{Sender: alice, ChannelID: "global:general", Content: "x"})
	assert.True(t, fault.IsNotAuthorized(err))
}

func TestScenarioFilterAndRanking(t *testing.T) {
	m := newTestMesh(t, 0, true)
	ctx := t.Context()

	alice := ident.AgentKey{Name: "alice"}
	registerAgent(t, m, RegisterAgentParams{Key: alice})
	ch, err := m.svc.CreateChannel(ctx, CreateChannelParams{Name: "eng", Creator: &alice})
	require.NoError(t, err)

	now := float64(time.Now().UnixMilli()) / 1000.0
	conf := func(v float64) *float64 { return &v }
	send := func(confidence float64, ageHours float64) int64 {
		id, err := m.svc.SendMessage(ctx, SendParams{
			Sender:     alice,
			ChannelID:  ch.ID,
			Content:    "auth via JWT",
			Confidence: conf(confidence),
			Timestamp:  now - ageHours*3600,
		})
		require.NoError(t, err)
		return id
	}
	m1 := send(0.9, 1)
	m2 := send(0.5, 1)
	m3 := send(0.9, 720)

	results, err := m.svc.SearchMessages(ctx, alice, hybrid.SearchParams{
		Query:   "authentication",
		Filter:  map[string]any{"confidence": map[string]any{"$gte": 0.7}},
		Profile: "quality",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, m1, results[0].Message.ID)
	assert.Equal(t, m3, results[1].Message.ID)
	for _, r := range results {
		assert.NotEqual(t, m2, r.Message.ID)
	}
}

func TestScenarioCrossProjectInvitation(t *testing.T) {
	m := newTestMesh(t, 0, false)
	ctx := t.Context()

	p1 := registerProject(t, m, "/work/p1", "P1")
	p2 := registerProject(t, m, "/work/p2", "P2")
	alice := ident.AgentKey{Name: "alice", ProjectID: p1}
	bob := ident.AgentKey{Name: "bob", ProjectID: p2}
	registerAgent(t, m, RegisterAgentParams{Key: alice})
	registerAgent(t, m, RegisterAgentParams{Key: bob})

	ch, err := m.svc.CreateChannel(ctx, CreateChannelParams{
		Name: "design", ProjectID: p1, Access: store.AccessMembers, Creator: &alice,
	})
	require.NoError(t, err)

	// No link between P1 and P2; invitation crosses anyway.
	require.NoError(t, m.svc.InviteToChannel(ctx, alice, bob, ch.ID))

	_, err = m.svc.SendMessage(ctx, SendParams{Sender: bob, ChannelID: ch.ID, Content: "on it"})
	require.NoError(t, err)
}

func TestScenarioReplayAcrossRingHorizon(t *testing.T) {
	m := newTestMesh(t, 4, false)
	ctx := t.Context()

	caller := ident.AgentKey{Name: "tooler"}
	for i := 0; i < 6; i++ {
		require.NoError(t, m.svc.RecordToolCall(ctx, "search", caller, 5*time.Millisecond))
	}

	// Resume inside the ring: e3..e6 replay, then live.
	sub, err := m.svc.Subscribe(ctx, bus.SubscribeOptions{LastSeenID: 2})
	require.NoError(t, err)
	defer sub.Close()
	for want := int64(3); want <= 6; want++ {
		assert.Equal(t, want, nextEvent(t, sub).ID)
	}

	// Resume below the horizon: resync marker, then live only.
	stale, err := m.svc.Subscribe(ctx, bus.SubscribeOptions{LastSeenID: 0})
	require.NoError(t, err)
	defer stale.Close()
	marker := nextEvent(t, stale)
	assert.Equal(t, int64(0), marker.ID)
	assert.Equal(t, bus.TypeResyncRequired, marker.Type)

	require.NoError(t, m.svc.RecordToolCall(ctx, "search", caller, 5*time.Millisecond))
	assert.Equal(t, int64(7), nextEvent(t, stale).ID)
	assert.Equal(t, int64(7), nextEvent(t, sub).ID)
}
