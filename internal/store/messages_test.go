// ABOUTME: Tests for message persistence, ordering, and the text-search path
// ABOUTME: Membership-at-send-time is enforced inside the insert transaction

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
)

// setupChannelWithSender builds a global open channel with one sending
// member and returns the sender key.
func setupChannelWithSender(t *testing.T, s *SQLiteStore, channelID string) ident.AgentKey {
	t.Helper()
	ctx := t.Context()
	alice := ident.AgentKey{Name: "alice"}
	require.NoError(t, s.RegisterAgent(ctx, &Agent{Key: alice}))
	require.NoError(t, s.CreateChannel(ctx, &Channel{
		ID: channelID, Access: AccessOpen, Scope: ident.ScopeGlobal, Name: "dev",
	}))
	require.NoError(t, s.AddMember(ctx, &Member{
		ChannelID: channelID, Key: alice, Caps: Capabilities{CanSend: true, CanLeave: true},
	}))
	return alice
}

func TestInsertMessage_RequiresSendingMembership(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	id, err := s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: "hello"})
	require.NoError(t, err)
	assert.Positive(t, id)

	// Non-member is denied, discriminably from a missing channel.
	bob := ident.AgentKey{Name: "bob"}
	require.NoError(t, s.RegisterAgent(ctx, &Agent{Key: bob}))
	_, err = s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: bob, Content: "hi"})
	assert.True(t, fault.IsNotAuthorized(err))

	_, err = s.InsertMessage(ctx, &Message{ChannelID: "global:nope", Sender: bob, Content: "hi"})
	assert.True(t, fault.IsNotFound(err))
}

func TestInsertMessage_DenialCompletesUnderDeadline(t *testing.T) {
	s := setupTestStore(t)
	setupChannelWithSender(t, s, "global:dev")

	bob := ident.AgentKey{Name: "bob"}
	require.NoError(t, s.RegisterAgent(t.Context(), &Agent{Key: bob}))

	// The channel lookup on the denial path must run inside the insert
	// transaction; with a single-connection pool a second pool query
	// would block until this deadline fires.
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err := s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: bob, Content: "hi"})
	assert.True(t, fault.IsNotAuthorized(err))
	assert.NoError(t, ctx.Err())
}

func TestInsertMessage_DeniesOptedOutAndNoSend(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	require.NoError(t, s.SetMemberOptOut(ctx, "global:dev", alice, true))
	_, err := s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: "x"})
	assert.True(t, fault.IsNotAuthorized(err))

	require.NoError(t, s.SetMemberOptOut(ctx, "global:dev", alice, false))
	require.NoError(t, s.UpdateMemberCaps(ctx, "global:dev", alice, Capabilities{CanSend: false, CanLeave: true}))
	_, err = s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: "x"})
	assert.True(t, fault.IsNotAuthorized(err))
}

func TestInsertMessage_Validation(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	_, err := s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: ""})
	assert.True(t, fault.IsBadRequest(err))

	bad := 1.5
	_, err = s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: "x", Confidence: &bad})
	assert.True(t, fault.IsBadRequest(err))
}

func TestGetMessages_TimestampThenIDOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	// Two messages share a timestamp; the id breaks the tie.
	base := 1700000000.0
	for i, ts := range []float64{base + 10, base, base} {
		_, err := s.InsertMessage(ctx, &Message{
			ChannelID: "global:dev", Sender: alice, Content: fmt.Sprintf("m%d", i), Timestamp: ts,
		})
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, MessageQuery{ChannelID: "global:dev", Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Content)
	assert.Equal(t, "m2", msgs[1].Content)
	assert.Equal(t, "m0", msgs[2].Content)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
}

func TestGetMessages_LimitKeepsMostRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	for i := range 5 {
		_, err := s.InsertMessage(ctx, &Message{
			ChannelID: "global:dev", Sender: alice,
			Content: fmt.Sprintf("m%d", i), Timestamp: 1700000000.0 + float64(i),
		})
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, MessageQuery{ChannelID: "global:dev", Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m4", msgs[1].Content)
}

func TestGetMessagesByIDs_RoundTripFields(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	conf := 0.85
	id, err := s.InsertMessage(ctx, &Message{
		ChannelID:  "global:dev",
		Sender:     alice,
		Content:    "tagged",
		Timestamp:  1700000000,
		Confidence: &conf,
		Metadata:   `{"breadcrumbs":{"decisions":["jwt"]}}`,
		Tags:       []string{"auth", "decision"},
		SessionID:  "sess-1",
		ThreadID:   "thr-1",
	})
	require.NoError(t, err)

	msgs, err := s.GetMessagesByIDs(ctx, []int64{id, 9999})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "tagged", m.Content)
	require.NotNil(t, m.Confidence)
	assert.InDelta(t, 0.85, *m.Confidence, 1e-9)
	assert.JSONEq(t, `{"breadcrumbs":{"decisions":["jwt"]}}`, m.Metadata)
	assert.Equal(t, []string{"auth", "decision"}, m.Tags)
	assert.Equal(t, "sess-1", m.SessionID)
	assert.Equal(t, "thr-1", m.ThreadID)
}

func TestSearchMessagesText_FTSRanksMatches(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	for _, content := range []string{
		"authentication via JWT tokens",
		"deploy pipeline notes",
		"JWT refresh strategy for authentication flows and authentication retries",
	} {
		_, err := s.InsertMessage(ctx, &Message{ChannelID: "global:dev", Sender: alice, Content: content})
		require.NoError(t, err)
	}

	hits, err := s.SearchMessagesText(ctx, TextSearchParams{Query: "authentication", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, h.Message.Content, "authentication")
		assert.Greater(t, h.Similarity, 0.0)
		assert.LessOrEqual(t, h.Similarity, 1.0)
	}
}

func TestSearchMessagesText_FiltersAndBounds(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	bob := ident.AgentKey{Name: "bob"}
	require.NoError(t, s.RegisterAgent(ctx, &Agent{Key: bob}))
	require.NoError(t, s.AddMember(ctx, &Member{
		ChannelID: "global:dev", Key: bob, Caps: Capabilities{CanSend: true, CanLeave: true},
	}))

	_, err := s.InsertMessage(ctx, &Message{
		ChannelID: "global:dev", Sender: alice, Content: "release checklist", Timestamp: 1000,
	})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, &Message{
		ChannelID: "global:dev", Sender: bob, Content: "release retro", Timestamp: 2000,
	})
	require.NoError(t, err)

	hits, err := s.SearchMessagesText(ctx, TextSearchParams{Query: "release", Sender: &bob, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "release retro", hits[0].Message.Content)

	hits, err = s.SearchMessagesText(ctx, TextSearchParams{Query: "release", Until: 1500, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "release checklist", hits[0].Message.Content)
}

func TestSearchMessagesText_FilterClause(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	alice := setupChannelWithSender(t, s, "global:dev")

	high := 0.9
	low := 0.4
	_, err := s.InsertMessage(ctx, &Message{
		ChannelID: "global:dev", Sender: alice, Content: "auth design", Confidence: &high,
	})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, &Message{
		ChannelID: "global:dev", Sender: alice, Content: "auth sketch", Confidence: &low,
	})
	require.NoError(t, err)

	hits, err := s.SearchMessagesText(ctx, TextSearchParams{
		Query:        "auth",
		FilterClause: "(m.confidence >= ?)",
		FilterArgs:   []any{0.7},
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "auth design", hits[0].Message.Content)
}
