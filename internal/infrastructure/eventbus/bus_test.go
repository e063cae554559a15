package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stewardflow/stewardflow/internal/domain/event"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func env(typ event.Type) Envelope {
	return Envelope{
		ClientID: "client-1",
		Event:    event.New(typ, "trace_1", map[string]any{"content": "x"}),
	}
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe(string(event.TypeThought), func(ctx context.Context, e Envelope) {
		received.Add(1)
	})

	bus.Publish(context.Background(), env(event.TypeThought))
	bus.Publish(context.Background(), env(event.TypeThought))
	bus.Publish(context.Background(), env(event.TypeFinal)) // different type

	time.Sleep(50 * time.Millisecond)

	if got := received.Load(); got != 2 {
		t.Errorf("expected 2 events received, got %d", got)
	}
}

func TestInMemoryBus_WildcardSubscriber(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		received.Add(1)
	})

	bus.Publish(context.Background(), env(event.TypeThought))
	bus.Publish(context.Background(), env(event.TypeAction))
	bus.Publish(context.Background(), env(event.TypeEnd))

	time.Sleep(50 * time.Millisecond)

	if got := received.Load(); got != 3 {
		t.Errorf("wildcard should receive all events, got %d", got)
	}
}

func TestInMemoryBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 100)
	defer bus.Close()

	var order []event.Type
	done := make(chan struct{})
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		order = append(order, e.Event.EventType)
		if len(order) == 4 {
			close(done)
		}
	})

	for _, typ := range []event.Type{event.TypeThought, event.TypeAction, event.TypeObservation, event.TypeEnd} {
		bus.Publish(context.Background(), env(typ))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events not delivered")
	}

	want := []event.Type{event.TypeThought, event.TypeAction, event.TypeObservation, event.TypeEnd}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestInMemoryBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		panic("handler bug")
	})
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		received.Add(1)
	})

	bus.Publish(context.Background(), env(event.TypeThought))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Error("panic in one handler must not starve the others")
	}
}

func TestInMemoryBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 10)

	var received atomic.Int32
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		received.Add(1)
	})
	bus.Close()

	bus.Publish(context.Background(), env(event.TypeThought)) // must not panic
	if received.Load() != 0 {
		t.Error("publish after close delivered an event")
	}
}

func TestSink_ForwardsToBus(t *testing.T) {
	bus := NewInMemoryBus(testLogger(), 10)
	defer bus.Close()

	got := make(chan Envelope, 1)
	bus.Subscribe("*", func(ctx context.Context, e Envelope) {
		got <- e
	})

	sink := NewSink(bus)
	sink.Send("client-9", event.New(event.TypeFinal, "trace_9", map[string]any{"content": "done"}))

	select {
	case e := <-got:
		if e.ClientID != "client-9" || e.Event.AgentID != "trace_9" {
			t.Errorf("envelope wrong: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("sink did not forward the event")
	}
}
