//go:build integration

package rabbitmq

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/crmpipe/crmpipe/internal/bus"
)

func TestRejectedMessageReachesDeadLetterQueue(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("CRMPIPE_TEST_BROKER_URL"))
	if url == "" {
		t.Skip("CRMPIPE_TEST_BROKER_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer := &rejectingConsumer{seen: make(chan string, 1)}
	s := NewSupervisor(Config{URL: url, PrefetchCount: 1}, DialAMQP, consumer, testLogger())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	marker := "it-" + time.Now().Format("150405.000000000")
	env := bus.Envelope{
		Queue:       bus.QueueCustomerCreated,
		Payload:     []byte(`{"marker":"` + marker + `"}`),
		Persistent:  true,
		ContentType: bus.ContentTypeJSON,
	}
	if err := s.Publish(ctx, env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-consumer.seen:
	case <-ctx.Done():
		t.Fatal("message was not consumed")
	}

	for {
		d, ok, err := s.Get(ctx, bus.DeadLetterQueue)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if ok {
			if strings.Contains(string(d.Payload), marker) {
				if d.Headers[bus.FirstDeathQueueHeader] != bus.QueueCustomerCreated {
					t.Fatalf("headers = %#v", d.Headers)
				}
				_ = d.Ack()
				return
			}
			_ = d.Reject(true)
		}
		select {
		case <-ctx.Done():
			t.Fatal("message did not reach the dead letter queue")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

type rejectingConsumer struct {
	seen chan string
}

func (c *rejectingConsumer) Serve(_ context.Context, queue string, deliveries <-chan bus.Delivery) {
	for d := range deliveries {
		_ = d.Reject(false)
		if queue == bus.QueueCustomerCreated {
			select {
			case c.seen <- string(d.Payload):
			default:
			}
		}
	}
}
