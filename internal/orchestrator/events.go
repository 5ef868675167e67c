package orchestrator

import (
	"context"

	"payflow/internal/saga"
)

// EventSink receives saga state transitions. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, ev saga.Event)
}

// EventSinks fans a transition out to every sink in order.
type EventSinks []EventSink

func (s EventSinks) Publish(ctx context.Context, ev saga.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}

// EventFunc adapts a function to EventSink.
type EventFunc func(ctx context.Context, ev saga.Event)

func (f EventFunc) Publish(ctx context.Context, ev saga.Event) {
	f(ctx, ev)
}
