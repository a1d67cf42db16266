// ABOUTME: Tests for publish ordering, replay windows, topic filtering, and overflow
// ABOUTME: Drives real subscriber goroutines with contexts from t.Context()

package bus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestPublish_MonotonicIDs(t *testing.T) {
	b := New(100, nil)

	var last int64
	for range 10 {
		ev := b.Publish(TopicMessages, "created", nil)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}

func TestSubscribe_LiveDeliveryInOrder(t *testing.T) {
	b := New(100, nil)
	sub, err := b.Subscribe(t.Context(), SubscribeOptions{ClientID: "live"})
	require.NoError(t, err)
	defer sub.Close()

	for i := range 5 {
		b.Publish(TopicMessages, "created", i)
	}
	for i := range 5 {
		ev := receive(t, sub)
		assert.Equal(t, int64(i+1), ev.ID)
		assert.Equal(t, i, ev.Payload)
	}
}

func TestSubscribe_ReplaysAfterLastSeen(t *testing.T) {
	b := New(100, nil)
	for range 5 {
		b.Publish(TopicMessages, "created", nil)
	}

	sub, err := b.Subscribe(t.Context(), SubscribeOptions{LastSeenID: 2})
	require.NoError(t, err)
	defer sub.Close()

	// Exactly (2, 5] replays, then live events follow.
	for want := int64(3); want <= 5; want++ {
		assert.Equal(t, want, receive(t, sub).ID)
	}
	b.Publish(TopicChannels, "created", nil)
	assert.Equal(t, int64(6), receive(t, sub).ID)
}

func TestSubscribe_ResyncBelowHorizon(t *testing.T) {
	b := New(3, nil)
	for range 10 {
		b.Publish(TopicMessages, "created", nil)
	}
	// Ring holds ids 8..10; a client resuming from 2 is unservable.
	sub, err := b.Subscribe(t.Context(), SubscribeOptions{LastSeenID: 2})
	require.NoError(t, err)
	defer sub.Close()

	ev := receive(t, sub)
	assert.Zero(t, ev.ID)
	assert.Equal(t, TopicSystem, ev.Topic)
	assert.Equal(t, TypeResyncRequired, ev.Type)

	// Delivery resumes with live events only.
	b.Publish(TopicMessages, "created", nil)
	assert.Equal(t, int64(11), receive(t, sub).ID)
}

func TestSubscribe_HorizonBoundaryReplaysFully(t *testing.T) {
	b := New(3, nil)
	for range 10 {
		b.Publish(TopicMessages, "created", nil)
	}

	// LastSeen 7 is exactly one before the oldest retained id 8.
	sub, err := b.Subscribe(t.Context(), SubscribeOptions{LastSeenID: 7})
	require.NoError(t, err)
	defer sub.Close()

	for want := int64(8); want <= 10; want++ {
		assert.Equal(t, want, receive(t, sub).ID)
	}
}

func TestSubscribe_TopicFiltering(t *testing.T) {
	b := New(100, nil)
	sub, err := b.Subscribe(t.Context(), SubscribeOptions{Topics: []string{TopicChannels}})
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(TopicMessages, "created", nil)
	b.Publish(TopicChannels, "archived", nil)
	b.Publish(TopicAgents, "registered", nil)

	ev := receive(t, sub)
	assert.Equal(t, TopicChannels, ev.Topic)
	assert.Equal(t, "archived", ev.Type)

	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_ReplayHonorsTopicFilter(t *testing.T) {
	b := New(100, nil)
	b.Publish(TopicMessages, "created", nil)
	b.Publish(TopicNotes, "created", nil)
	b.Publish(TopicMessages, "created", nil)

	sub, err := b.Subscribe(t.Context(), SubscribeOptions{Topics: []string{TopicNotes}})
	require.NoError(t, err)
	defer sub.Close()

	ev := receive(t, sub)
	assert.Equal(t, int64(2), ev.ID)
	assert.Equal(t, TopicNotes, ev.Topic)
}

func TestSubscribe_ContextCancelCloses(t *testing.T) {
	b := New(100, nil)
	ctx, cancel := context.WithCancel(t.Context())
	sub, err := b.Subscribe(ctx, SubscribeOptions{})
	require.NoError(t, err)

	cancel()
	expectClosed(t, sub)

	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestPublish_OverflowCutsSubscriber(t *testing.T) {
	b := New(100, nil)
	sub, err := b.Subscribe(t.Context(), SubscribeOptions{QueueSize: 2})
	require.NoError(t, err)

	// Nobody reads; the queue (plus the pump's in-flight event) fills
	// and the subscriber gets cut.
	for range 10 {
		b.Publish(TopicMessages, "created", nil)
	}
	assert.Zero(t, b.SubscriberCount())

	// The reader sees in-order events, then the resync marker, then
	// the close.
	sawResync := false
	for !sawResync {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				t.Fatal("channel closed without resync marker")
			}
			if ev.Type == TypeResyncRequired {
				sawResync = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for resync marker")
		}
	}
	expectClosed(t, sub)
}

func TestPublish_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(100, nil)
	slow, err := b.Subscribe(t.Context(), SubscribeOptions{QueueSize: 1})
	require.NoError(t, err)
	defer slow.Close()
	fast, err := b.Subscribe(t.Context(), SubscribeOptions{})
	require.NoError(t, err)
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for range 20 {
			b.Publish(TopicMessages, "created", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
	for range 20 {
		receive(t, fast)
	}
}

func TestReplayWindow_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ringSize := rapid.IntRange(1, 50).Draw(t, "ringSize")
		published := rapid.IntRange(0, 120).Draw(t, "published")

		b := New(ringSize, nil)
		for range published {
			b.Publish(TopicMessages, "created", nil)
		}
		lastSeen := rapid.Int64Range(0, int64(published)+5).Draw(t, "lastSeen")

		replay, resync := b.replayWindow(lastSeen)

		oldest := int64(published) - int64(ringSize) + 1
		if oldest < 1 {
			oldest = 1
		}
		if published == 0 {
			assert.False(t, resync)
			assert.Empty(t, replay)
			return
		}
		if lastSeen < oldest-1 {
			assert.True(t, resync)
			assert.Empty(t, replay)
			return
		}

		// Exactly the (lastSeen, tail] window, in order.
		assert.False(t, resync)
		want := int64(published) - lastSeen
		if want < 0 {
			want = 0
		}
		require.Len(t, replay, int(want))
		for i, ev := range replay {
			assert.Equal(t, lastSeen+int64(i)+1, ev.ID)
		}
	})
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{
		ID:        42,
		Topic:     TopicMessages,
		Type:      "created",
		Timestamp: time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC),
		Payload:   map[string]any{"channel_id": "global:general"},
	}
	require.NoError(t, EncodeFrame(&buf, ev))

	line := buf.Bytes()
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Contains(t, string(line), `"timestamp":"2026-03-01T12:30:45.123Z"`)

	decoded, err := DecodeFrame(bytes.TrimSpace(line))
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.Topic, decoded.Topic)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.True(t, ev.Timestamp.Equal(decoded.Timestamp))
	payload, ok := decoded.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "global:general", payload["channel_id"])

	_, err = DecodeFrame([]byte("{not json"))
	assert.Error(t, err)
}
