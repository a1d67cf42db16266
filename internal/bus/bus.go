// ABOUTME: In-memory event bus with a bounded replay ring and per-subscriber queues
// ABOUTME: Slow consumers are cut with a resync marker instead of blocking publishers

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event topics. An event's full name is "<topic>.<type>".
const (
	TopicMessages = "messages"
	TopicChannels = "channels"
	TopicMembers  = "members"
	TopicAgents   = "agents"
	TopicNotes    = "notes"
	TopicSystem   = "system"
)

// TypeResyncRequired marks the synthetic system event telling a
// subscriber its resume point fell off the ring.
const TypeResyncRequired = "resync-required"

const (
	defaultRingSize  = 10000
	defaultQueueSize = 64
)

// Event is one bus occurrence. IDs are monotonic per bus; id 0 is
// reserved for the synthetic resync marker. Payload is opaque to the
// bus.
type Event struct {
	ID        int64
	Topic     string
	Type      string
	Timestamp time.Time
	Payload   any
}

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// ClientID labels the subscriber in logs; optional.
	ClientID string
	// LastSeenID resumes delivery after this event id. Zero means
	// from the beginning of the ring.
	LastSeenID int64
	// Topics restricts delivery; empty means all topics.
	Topics []string
	// QueueSize bounds the per-subscriber queue; zero uses the
	// default.
	QueueSize int
}

// Subscription is one subscriber's handle. Events arrives in id order;
// the channel closes on Close, context cancellation, or when the
// subscriber falls too far behind.
type Subscription struct {
	ID     string
	Events <-chan Event

	bus      *Bus
	topics   map[string]bool
	queue    chan Event
	quit     chan struct{}
	quitOnce sync.Once
	// resync is set when the subscriber overflowed and must be told
	// before the channel closes.
	resync bool
}

// Close deregisters the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.bus.remove(s.ID)
	s.closeQuit()
}

func (s *Subscription) closeQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Bus fans events out to subscribers and retains the last ringSize
// events for replay.
type Bus struct {
	mu     sync.Mutex
	ring   []Event
	size   int
	nextID int64
	subs   map[string]*Subscription
	logger *slog.Logger
}

// New creates a bus retaining ringSize events; zero or negative uses
// the default capacity.
func New(ringSize int, logger *slog.Logger) *Bus {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		size:   ringSize,
		nextID: 1,
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "bus"),
	}
}

// Publish appends an event to the ring and fans it out to matching
// subscribers. It never blocks on a slow subscriber.
func (b *Bus) Publish(topic, eventType string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{
		ID:        b.nextID,
		Topic:     topic,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.nextID++

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.size {
		b.ring = b.ring[len(b.ring)-b.size:]
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			// The queue is full; cut the subscriber rather than
			// block or drop silently.
			b.logger.Warn("subscriber overflowed, cutting", "sub_id", sub.ID)
			sub.resync = true
			delete(b.subs, sub.ID)
			sub.closeQuit()
		}
	}
	return ev
}

// Subscribe registers a subscriber. Ring events after LastSeenID are
// queued for replay before any live event; a resume point below the
// ring's horizon yields a resync marker and delivery from the current
// tail.
func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	b.mu.Lock()
	replay, resync := b.replayWindow(opts.LastSeenID)

	// Registration and replay capture happen under one lock so no
	// published event is either missed or delivered twice.
	if queueSize < len(replay)+1 {
		queueSize = len(replay) + 1
	}
	out := make(chan Event)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Events: out,
		bus:    b,
		queue:  make(chan Event, queueSize),
		quit:   make(chan struct{}),
	}
	if len(opts.Topics) > 0 {
		sub.topics = make(map[string]bool, len(opts.Topics))
		for _, t := range opts.Topics {
			sub.topics[t] = true
		}
	}
	if resync {
		sub.queue <- resyncEvent()
	}
	for _, ev := range replay {
		if sub.wants(ev.Topic) {
			sub.queue <- ev
		}
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"sub_id", sub.ID,
		"client_id", opts.ClientID,
		"replay", len(replay),
		"resync", resync)

	go sub.pump(out)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.quit:
		}
	}()
	return sub, nil
}

// replayWindow returns the ring events after lastSeen and whether the
// resume point predates the ring. Callers hold the bus lock.
func (b *Bus) replayWindow(lastSeen int64) ([]Event, bool) {
	if len(b.ring) == 0 {
		// Nothing retained: a nonzero resume point below the next id
		// minus one means history was lost before anything could be
		// retained, which cannot happen with a nonzero ring, so the
		// empty ring is always in sync.
		return nil, false
	}

	oldest := b.ring[0].ID
	if lastSeen < oldest-1 {
		return nil, true
	}

	var replay []Event
	for _, ev := range b.ring {
		if ev.ID > lastSeen {
			replay = append(replay, ev)
		}
	}
	return replay, false
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) wants(topic string) bool {
	return s.topics == nil || s.topics[topic]
}

// pump drains the queue into the subscriber's channel in order,
// delivering the resync marker before closing when the subscriber was
// cut.
func (s *Subscription) pump(out chan<- Event) {
	defer close(out)
	for {
		select {
		case ev := <-s.queue:
			select {
			case out <- ev:
			case <-s.quit:
				s.flushResync(out)
				return
			}
		case <-s.quit:
			s.flushResync(out)
			return
		}
	}
}

// flushResync tries to hand the cut subscriber its resync marker; a
// receiver that is gone entirely just gets the close.
func (s *Subscription) flushResync(out chan<- Event) {
	if !s.resync {
		return
	}
	select {
	case out <- resyncEvent():
	case <-time.After(100 * time.Millisecond):
	}
}

func resyncEvent() Event {
	return Event{
		ID:        0,
		Topic:     TopicSystem,
		Type:      TypeResyncRequired,
		Timestamp: time.Now().UTC(),
	}
}
