package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/observability"
)

type Handler interface {
	Handle(ctx context.Context, env bus.Envelope) error
}

// FailureHandler takes ownership of a delivery whose processing failed and
// must ack or reject it.
type FailureHandler interface {
	HandleFailure(ctx context.Context, delivery bus.Delivery, cause error)
}

// Dispatcher processes each queue's deliveries on their own goroutines, at
// most Prefetch at a time per queue.
type Dispatcher struct {
	Handler  Handler
	Failures FailureHandler
	Prefetch int
	Logger   *slog.Logger
}

// Serve consumes deliveries until the channel is closed, then waits for
// in-flight work. Cancelling ctx does not abort in-flight transactions.
func (d *Dispatcher) Serve(ctx context.Context, queue string, deliveries <-chan bus.Delivery) {
	prefetch := d.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	slots := semaphore.NewWeighted(int64(prefetch))
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for delivery := range deliveries {
		if err := slots.Acquire(work, 1); err != nil {
			d.logError(work, "acquire processing slot", err, slog.String("queue", queue))
			_ = delivery.Reject(true)
			continue
		}
		wg.Add(1)
		go func(delivery bus.Delivery) {
			defer wg.Done()
			defer slots.Release(1)
			d.process(work, queue, delivery)
		}(delivery)
	}
	wg.Wait()

	if d.Logger != nil {
		d.Logger.InfoContext(ctx, "consumer stopped", slog.String("queue", queue))
	}
}

func (d *Dispatcher) process(ctx context.Context, queue string, delivery bus.Delivery) {
	observability.AddInflight(queue, 1)
	defer observability.AddInflight(queue, -1)

	ctx = observability.ContextWithTraceID(ctx, observability.TraceIDFromHeaders(delivery.Headers))

	start := time.Now()
	err := d.handle(ctx, delivery.Envelope)
	observability.ObserveApply(queue, time.Since(start))

	if err != nil {
		d.Failures.HandleFailure(ctx, delivery, err)
		return
	}
	if err := delivery.Ack(); err != nil {
		d.logError(ctx, "ack delivery", err, slog.String("queue", queue), slog.String("message_id", delivery.MessageID))
		return
	}
	observability.ObserveMessage(queue, observability.OutcomeAcked)
}

func (d *Dispatcher) handle(ctx context.Context, env bus.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.Handler.Handle(ctx, env)
}

func (d *Dispatcher) logError(ctx context.Context, msg string, err error, attrs ...any) {
	if d.Logger == nil {
		return
	}
	d.Logger.ErrorContext(ctx, msg, append([]any{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("error", err.Error()),
	}, attrs...)...)
}
