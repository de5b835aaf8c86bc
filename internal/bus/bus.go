package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/crmpipe/crmpipe/internal/observability"
)

const (
	QueueCustomerCreated     = "customer_created"
	QueueOrderCreated        = "order_created"
	QueueCustomersBulkImport = "customers_bulk_import"
	QueueOrdersBulkImport    = "orders_bulk_import"

	DeadLetterExchange   = "dlx"
	DeadLetterQueue      = "dead_letters"
	DeadLetterRoutingKey = "dead_letters"

	RetryCountHeader = "x-retry-count"
	// FirstDeathQueueHeader is set by the broker when a message is dead-lettered.
	FirstDeathQueueHeader = "x-first-death-queue"

	ContentTypeJSON = "application/json"
)

var (
	ErrPublishFailure = errors.New("publish failure")
	ErrUnknownQueue   = errors.New("unknown queue")
)

var workQueues = []string{
	QueueCustomerCreated,
	QueueOrderCreated,
	QueueCustomersBulkImport,
	QueueOrdersBulkImport,
}

// WorkQueues returns the closed set of work queue names.
func WorkQueues() []string {
	out := make([]string, len(workQueues))
	copy(out, workQueues)
	return out
}

func IsWorkQueue(name string) bool {
	for _, queue := range workQueues {
		if queue == name {
			return true
		}
	}
	return false
}

// Envelope is one message as published to, and delivered from, a queue.
// Retry state lives entirely in Headers so it survives re-publication.
type Envelope struct {
	Queue       string
	Payload     []byte
	Headers     map[string]any
	Persistent  bool
	ContentType string
	MessageID   string
}

// RetryCount reads the retry header. Absent or unreadable values count as zero.
func (e Envelope) RetryCount() int {
	return headerInt(e.Headers[RetryCountHeader])
}

// WithRetryCount returns a copy of e with the retry header set to n. Payload
// bytes are shared, not copied, and never modified.
func (e Envelope) WithRetryCount(n int) Envelope {
	out := e
	out.Headers = maps.Clone(e.Headers)
	if out.Headers == nil {
		out.Headers = map[string]any{}
	}
	out.Headers[RetryCountHeader] = int32(n)
	return out
}

// WithoutRetryCount returns a copy of e with the retry header removed.
func (e Envelope) WithoutRetryCount() Envelope {
	out := e
	out.Headers = maps.Clone(e.Headers)
	delete(out.Headers, RetryCountHeader)
	return out
}

func headerInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is an Envelope handed to a consumer. Exactly one of Ack or
// Reject must be called.
type Delivery struct {
	Envelope
	Redelivered bool
	Acker       Acknowledger
}

func (d Delivery) Ack() error {
	if d.Acker == nil {
		return fmt.Errorf("delivery has no acknowledger")
	}
	return d.Acker.Ack()
}

func (d Delivery) Reject(requeue bool) error {
	if d.Acker == nil {
		return fmt.Errorf("delivery has no acknowledger")
	}
	return d.Acker.Reject(requeue)
}

// Publisher returns nil only after the broker confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// NewJSONEnvelope encodes value as a persistent JSON message for a work queue.
func NewJSONEnvelope(ctx context.Context, queue string, value any) (Envelope, error) {
	if !IsWorkQueue(queue) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{
		Queue:       queue,
		Payload:     payload,
		Persistent:  true,
		ContentType: ContentTypeJSON,
	}
	if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
		env.Headers = map[string]any{observability.MessageTraceHeader: traceID}
	}
	return env, nil
}

func PublishJSON(ctx context.Context, publisher Publisher, queue string, value any) error {
	env, err := NewJSONEnvelope(ctx, queue, value)
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, env)
}
