package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/delayqueue"
	"github.com/crmpipe/crmpipe/internal/observability"
)

type Scheduler interface {
	Schedule(delay time.Duration, task delayqueue.Task)
}

type RetryConfig struct {
	Limit int
	Delay time.Duration
	// RetryTerminal sends terminal failures through the retry path too.
	RetryTerminal bool
}

// Coordinator decides between a delayed re-publish and the dead-letter
// queue for every failed delivery.
//
// A retry acknowledges the original delivery as soon as the re-publish is
// scheduled; the copy carries the incremented retry header and the original
// payload bytes.
type Coordinator struct {
	Publisher  bus.Publisher
	Scheduler  Scheduler
	Config     RetryConfig
	IsTerminal func(error) bool
	Logger     *slog.Logger
}

func (c *Coordinator) HandleFailure(ctx context.Context, delivery bus.Delivery, cause error) {
	attempt := delivery.RetryCount() + 1

	if !c.Config.RetryTerminal && c.IsTerminal != nil && c.IsTerminal(cause) {
		c.deadLetter(ctx, delivery, cause, "terminal failure")
		return
	}
	if attempt > c.Config.Limit {
		c.deadLetter(ctx, delivery, cause, "retry limit exceeded")
		return
	}

	retry := delivery.Envelope.WithRetryCount(attempt)
	c.Scheduler.Schedule(c.Config.Delay, c.republish(retry))
	if err := delivery.Ack(); err != nil {
		c.log(ctx, slog.LevelError, "ack retried delivery", delivery.Envelope, err)
	}
	observability.ObserveMessage(delivery.Queue, observability.OutcomeRetried)
	c.log(ctx, slog.LevelWarn, "message scheduled for retry", retry, cause,
		slog.Int("attempt", attempt),
		slog.Duration("delay", c.Config.Delay),
	)
}

func (c *Coordinator) deadLetter(ctx context.Context, delivery bus.Delivery, cause error, reason string) {
	if err := delivery.Reject(false); err != nil {
		c.log(ctx, slog.LevelError, "reject delivery", delivery.Envelope, err)
		return
	}
	observability.ObserveMessage(delivery.Queue, observability.OutcomeDeadLettered)
	c.log(ctx, slog.LevelWarn, "message dead-lettered", delivery.Envelope, cause, slog.String("reason", reason))
}

// republish keeps rescheduling itself until the broker confirms the copy.
func (c *Coordinator) republish(env bus.Envelope) delayqueue.Task {
	var task delayqueue.Task
	task = func(ctx context.Context) {
		err := c.Publisher.Publish(ctx, env)
		if err == nil {
			return
		}
		c.log(ctx, slog.LevelError, "retry publish failed", env, err)
		c.Scheduler.Schedule(c.Config.Delay, task)
	}
	return task
}

func (c *Coordinator) log(ctx context.Context, level slog.Level, msg string, env bus.Envelope, err error, attrs ...any) {
	if c.Logger == nil {
		return
	}
	base := []any{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("queue", env.Queue),
		slog.String("message_id", env.MessageID),
		slog.Int("retry_count", env.RetryCount()),
	}
	if err != nil {
		base = append(base, slog.String("error", err.Error()))
	}
	c.Logger.Log(ctx, level, msg, append(base, attrs...)...)
}
