// ABOUTME: API facade wiring the store, access core, hybrid search, and
// ABOUTME: event bus; every mutation emits its events after the commit

package mesh

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-mesh/internal/access"
	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/hybrid"
	"github.com/2389/coven-mesh/internal/store"
)

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	// DefaultProfile is the ranking profile used when a search names
	// none. Empty falls through to the hybrid default.
	DefaultProfile string
	// QueueSize is the per-subscriber delivery queue size applied when
	// a Subscribe call leaves it unset.
	QueueSize int
}

// Service is the mesh API surface. Operations normalize arguments,
// permission-check through the access core, delegate to the stores, and
// emit events only after the underlying commit succeeded. The service
// holds no lock of its own and is safe for concurrent use.
type Service struct {
	rel            store.Store
	access         *access.Core
	hybrid         *hybrid.Store
	bus            *bus.Bus
	tracer         trace.Tracer
	logger         *slog.Logger
	defaultProfile string
	queueSize      int
}

// New wires a Service over an already-open store, hybrid layer, and bus.
func New(rel store.Store, hy *hybrid.Store, b *bus.Bus, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("mesh")
	}
	return &Service{
		rel:            rel,
		access:         access.New(rel, logger),
		hybrid:         hy,
		bus:            b,
		tracer:         tracer,
		logger:         logger.With("component", "mesh"),
		defaultProfile: opts.DefaultProfile,
		queueSize:      opts.QueueSize,
	}
}

type pendingEvent struct {
	topic     string
	eventType string
	payload   any
}

type emitFn func(topic, eventType string, payload any)

// run wraps one facade operation: it opens a span, collects the events
// the operation declares, and publishes them only when the operation
// returns nil, so a successful commit can never skip its events.
// Cancellation mid-flight surfaces as a Cancelled fault.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, emit emitFn) error) error {
	ctx, span := s.tracer.Start(ctx, "mesh."+op)
	defer span.End()

	var pending []pendingEvent
	emit := func(topic, eventType string, payload any) {
		pending = append(pending, pendingEvent{topic: topic, eventType: eventType, payload: payload})
	}

	if err := fn(ctx, emit); err != nil {
		if ctx.Err() != nil && fault.KindOf(err) == fault.Internal {
			err = fault.Wrap(fault.Cancelled, err, "%s interrupted", op)
		}
		span.RecordError(err)
		return err
	}

	for _, ev := range pending {
		s.bus.Publish(ev.topic, ev.eventType, ev.payload)
	}
	return nil
}

// Subscribe attaches a consumer to the event bus. A zero queue size
// picks up the service default.
func (s *Service) Subscribe(ctx context.Context, opts bus.SubscribeOptions) (*bus.Subscription, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = s.queueSize
	}
	return s.bus.Subscribe(ctx, opts)
}

// Reconcile backfills vector embeddings for messages missing from the
// index. It is a no-op when no vector backend is wired.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	return s.hybrid.Reconcile(ctx, 256)
}

// Event payloads. The bus treats them as opaque; subscribers see them
// through the ndjson frame encoding.

type ProjectEventPayload struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Name      string `json:"name"`
}

type AgentEventPayload struct {
	Agent string `json:"agent"`
}

type ChannelEventPayload struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
	Access  string `json:"access"`
	Scope   string `json:"scope"`
}

type MemberEventPayload struct {
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Source  string `json:"source,omitempty"`
}

type MessageEventPayload struct {
	ID        int64   `json:"id"`
	Channel   string  `json:"channel"`
	Sender    string  `json:"sender"`
	Timestamp float64 `json:"timestamp"`
}

type NoteEventPayload struct {
	ID      int64    `json:"id"`
	Owner   string   `json:"owner"`
	Channel string   `json:"channel"`
	Tags    []string `json:"tags,omitempty"`
}

type SessionEventPayload struct {
	Session   string `json:"session"`
	ProjectID string `json:"project_id,omitempty"`
	Transport string `json:"transport,omitempty"`
}

type ToolEventPayload struct {
	Tool       string  `json:"tool"`
	Caller     string  `json:"caller"`
	DurationMs float64 `json:"duration_ms"`
}

func channelPayload(ch *store.Channel) ChannelEventPayload {
	return ChannelEventPayload{
		Channel: ch.ID,
		Kind:    string(ch.Kind),
		Access:  string(ch.Access),
		Scope:   ch.Scope,
	}
}
