package eventbus

import (
	"context"
	"sync"

	"github.com/stewardflow/stewardflow/internal/domain/event"
	"github.com/stewardflow/stewardflow/pkg/safego"
	"go.uber.org/zap"
)

// Envelope pairs a lifecycle event with its destination client.
type Envelope struct {
	ClientID string
	Event    event.Event
}

// Handler consumes one envelope.
type Handler func(ctx context.Context, env Envelope)

// Bus is the in-process event plane between the executor and the outward
// interfaces. Publish is non-blocking; delivery is best-effort at-most-once.
type Bus interface {
	Publish(ctx context.Context, env Envelope)
	Subscribe(eventType string, handler Handler)
	Close()
}

// InMemoryBus fans events out to subscribers on a single dispatch goroutine,
// preserving per-trace publish order.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan wrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type wrapper struct {
	ctx context.Context
	env Envelope
}

// NewInMemoryBus starts the dispatch loop with the given buffer size.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan wrapper, bufferSize),
		logger:    logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues an envelope without blocking; the event is dropped when
// the buffer is full.
func (b *InMemoryBus) Publish(ctx context.Context, env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- wrapper{ctx: ctx, env: env}:
		b.logger.Debug("Event published",
			zap.String("type", string(env.Event.EventType)),
			zap.String("agent_id", env.Event.AgentID),
		)
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(env.Event.EventType)),
			zap.String("agent_id", env.Event.AgentID),
		)
	}
}

// Subscribe registers a handler for an event type; "*" matches everything.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", eventType),
	)
}

// Close stops the dispatch loop after draining queued events.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for w := range b.eventChan {
		b.dispatchOne(w.ctx, w.env)
	}
}

// dispatchOne runs handlers synchronously so envelopes for one trace reach
// subscribers in publish order.
func (b *InMemoryBus) dispatchOne(ctx context.Context, env Envelope) {
	b.mu.RLock()
	handlers := make([]Handler, 0)
	if h, ok := b.handlers[string(env.Event.EventType)]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		safego.Run(b.logger, "eventbus-"+string(env.Event.EventType), func() {
			h(ctx, env)
		})
	}
}

// Sink adapts the bus to the domain event.Sink interface the executor uses.
type Sink struct {
	bus Bus
}

// NewSink wraps a bus as an event sink.
func NewSink(bus Bus) *Sink {
	return &Sink{bus: bus}
}

// Send implements event.Sink by publishing onto the bus.
func (s *Sink) Send(clientID string, ev event.Event) {
	s.bus.Publish(context.Background(), Envelope{ClientID: clientID, Event: ev})
}
