package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/observability"
)

type Config struct {
	URL            string
	PrefetchCount  int
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	ConsumerTag    string
}

// Consumer receives one delivery stream per work queue. Serve must return
// once deliveries is closed and every delivery it accepted has been
// acknowledged or rejected.
type Consumer interface {
	Serve(ctx context.Context, queue string, deliveries <-chan bus.Delivery)
}

var errShutdown = errors.New("supervisor shut down")

// Supervisor owns the broker connection, the confirm-mode publishing
// channel and one consuming channel per work queue. A nil Consumer gives a
// publish-only supervisor.
//
// Losing the connection, any of its channels or any subscription tears the
// connection down and re-runs the whole connect sequence.
type Supervisor struct {
	cfg      Config
	dial     Dialer
	consumer Consumer
	logger   *slog.Logger

	mu        sync.RWMutex
	conn      Connection
	pub       Channel
	consumers []consumerChannel
	closed    chan *amqp.Error
	lost      chan string
	live      *atomic.Int32

	serving  sync.WaitGroup
	shutdown atomic.Bool
}

type consumerChannel struct {
	queue string
	tag   string
	ch    Channel
	raw   <-chan amqp.Delivery
}

func NewSupervisor(cfg Config, dial Dialer, consumer Consumer, logger *slog.Logger) *Supervisor {
	if dial == nil {
		dial = DialAMQP
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "crmpipe"
	}
	return &Supervisor{cfg: cfg, dial: dial, consumer: consumer, logger: logger}
}

// Start runs the connect sequence once. A failure here means the topology
// could not be declared or a queue could not be subscribed, and the process
// should not continue.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.connect(ctx)
}

// Run watches the connection, its channels and its subscriptions, and
// re-runs the connect sequence after ReconnectDelay whenever one of them
// goes away unexpectedly. It returns when ctx is done or after Close.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.mu.RLock()
		closed, lost := s.closed, s.lost
		s.mu.RUnlock()
		if closed == nil {
			return fmt.Errorf("supervisor not started")
		}

		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if s.shutdown.Load() {
				return nil
			}
			if ok && amqpErr != nil {
				s.logWarn(ctx, "broker connection closed",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
					slog.Bool("server", amqpErr.Server),
				)
			} else {
				s.logWarn(ctx, "broker connection closed")
			}
		case name := <-lost:
			if s.shutdown.Load() {
				return nil
			}
			s.logWarn(ctx, "broker channel lost", slog.String("channel", name))
		}
		s.drop()
		if err := s.reconnect(ctx); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if s.shutdown.Load() {
			return errShutdown
		}
		observability.IncrementBrokerReconnects()
		if err := s.connect(ctx); err != nil {
			if errors.Is(err, errShutdown) {
				return err
			}
			s.logError(ctx, "broker reconnect failed", err)
			timer.Reset(s.cfg.ReconnectDelay)
			continue
		}
		s.logInfo(ctx, "broker reconnected")
		return nil
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	if s.shutdown.Load() {
		return errShutdown
	}
	conn, err := s.dial(s.cfg.URL)
	if err != nil {
		return err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := DeclareTopology(pub); err != nil {
		_ = conn.Close()
		return err
	}
	if err := pub.Confirm(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	var consumers []consumerChannel
	if s.consumer != nil {
		consumers, err = s.openConsumers(conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	lost := make(chan string, 1)
	live := new(atomic.Int32)
	live.Store(int32(len(consumers)))

	// No serving.Add once StopConsumers has set shutdown under s.mu.
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return errShutdown
	}
	s.conn = conn
	s.pub = pub
	s.consumers = consumers
	s.closed = closed
	s.lost = lost
	s.live = live
	s.serving.Add(2 * len(consumers))
	s.mu.Unlock()

	s.watch(pub, "publish", lost)
	for _, consumer := range consumers {
		s.watch(consumer.ch, consumer.queue, lost)
		s.serve(ctx, consumer, live, lost)
	}

	s.logInfo(ctx, "broker connected", slog.Int("consumers", len(consumers)))
	return nil
}

func (s *Supervisor) openConsumers(conn Connection) ([]consumerChannel, error) {
	consumers := make([]consumerChannel, 0, len(bus.WorkQueues()))
	for _, queue := range bus.WorkQueues() {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Qos(s.cfg.PrefetchCount); err != nil {
			return nil, fmt.Errorf("set prefetch on %s: %w", queue, err)
		}
		tag := fmt.Sprintf("%s-%s-%s", s.cfg.ConsumerTag, queue, uuid.NewString()[:8])
		raw, err := ch.Consume(queue, tag)
		if err != nil {
			return nil, fmt.Errorf("consume %s: %w", queue, err)
		}
		consumers = append(consumers, consumerChannel{queue: queue, tag: tag, ch: ch, raw: raw})
	}
	return consumers, nil
}

// watch reports name on lost when ch closes outside of a shutdown.
func (s *Supervisor) watch(ch Channel, name string, lost chan<- string) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-notify
		if !s.shutdown.Load() {
			signalLost(lost, name)
		}
	}()
}

// serve pumps one subscription into the consumer. The caller has already
// added both goroutines to s.serving.
func (s *Supervisor) serve(ctx context.Context, consumer consumerChannel, live *atomic.Int32, lost chan<- string) {
	deliveries := make(chan bus.Delivery)

	go func() {
		defer s.serving.Done()
		defer close(deliveries)
		for d := range consumer.raw {
			deliveries <- toDelivery(consumer.queue, d)
		}
		live.Add(-1)
		if !s.shutdown.Load() {
			s.logWarn(ctx, "subscription ended", slog.String("queue", consumer.queue))
			signalLost(lost, consumer.queue)
		}
	}()
	go func() {
		defer s.serving.Done()
		s.consumer.Serve(ctx, consumer.queue, deliveries)
	}()
}

func signalLost(lost chan<- string, name string) {
	select {
	case lost <- name:
	default:
	}
}

// drop forgets the current connection and closes it, so its channels and
// subscriptions end before the next connect.
func (s *Supervisor) drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.pub = nil
	s.consumers = nil
	s.live = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Publish sends env to its queue through the default exchange and waits for
// the broker confirm.
func (s *Supervisor) Publish(ctx context.Context, env bus.Envelope) error {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		observability.ObservePublish(env.Queue, bus.ErrPublishFailure)
		return fmt.Errorf("%w: channel unavailable", bus.ErrPublishFailure)
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table(env.Headers),
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Transient,
		MessageId:    env.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         env.Payload,
	}
	if env.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	err := pub.Publish(ctx, "", env.Queue, msg)
	observability.ObservePublish(env.Queue, err)
	if err != nil {
		return fmt.Errorf("%w: queue %s: %w", bus.ErrPublishFailure, env.Queue, err)
	}
	return nil
}

// Get pulls one message from queue without auto-ack.
func (s *Supervisor) Get(_ context.Context, queue string) (bus.Delivery, bool, error) {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		return bus.Delivery{}, false, fmt.Errorf("%w: channel unavailable", bus.ErrPublishFailure)
	}
	d, ok, err := pub.Get(queue)
	if err != nil {
		return bus.Delivery{}, false, fmt.Errorf("get from %s: %w", queue, err)
	}
	if !ok {
		return bus.Delivery{}, false, nil
	}
	return toDelivery(queue, d), true, nil
}

func (s *Supervisor) QueueDepth(_ context.Context, queue string) (int, error) {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()
	if pub == nil {
		return 0, fmt.Errorf("%w: channel unavailable", bus.ErrPublishFailure)
	}
	depth, err := pub.QueueDepth(queue)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", queue, err)
	}
	return depth, nil
}

// HealthCheck reports whether a publishing channel is open and, for a
// consuming supervisor, whether every work queue has a live subscription.
func (s *Supervisor) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pub == nil {
		return errors.New("broker not connected")
	}
	if s.consumer != nil {
		want := len(bus.WorkQueues())
		if got := int(s.live.Load()); got < want {
			return fmt.Errorf("%d of %d work queues have a subscriber", got, want)
		}
	}
	return nil
}

// StopConsumers cancels every subscription and waits until in-flight
// deliveries are acknowledged or ctx expires. Publishing keeps working so
// pending retries can still be flushed.
func (s *Supervisor) StopConsumers(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	consumers := append([]consumerChannel(nil), s.consumers...)
	s.mu.Unlock()
	for _, consumer := range consumers {
		if err := consumer.ch.Cancel(consumer.tag); err != nil {
			s.logError(ctx, "cancel consumer failed", err, slog.String("queue", consumer.queue))
		}
	}

	done := make(chan struct{})
	go func() {
		s.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight deliveries: %w", ctx.Err())
	}
}

// Close closes the channels, then the connection. It does not wait for
// consumers; call StopConsumers first for a graceful stop.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.shutdown.Store(true)
	conn := s.conn
	pub := s.pub
	consumers := s.consumers
	s.conn = nil
	s.pub = nil
	s.consumers = nil
	s.live = nil
	s.mu.Unlock()

	var errs []error
	for _, consumer := range consumers {
		if err := consumer.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s channel: %w", consumer.queue, err))
		}
	}
	if pub != nil {
		if err := pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func toDelivery(queue string, d amqp.Delivery) bus.Delivery {
	return bus.Delivery{
		Envelope: bus.Envelope{
			Queue:       queue,
			Payload:     d.Body,
			Headers:     map[string]any(d.Headers),
			Persistent:  d.DeliveryMode == amqp.Persistent,
			ContentType: d.ContentType,
			MessageID:   d.MessageId,
		},
		Redelivered: d.Redelivered,
		Acker:       deliveryAcker{d: d},
	}
}

type deliveryAcker struct {
	d amqp.Delivery
}

func (a deliveryAcker) Ack() error {
	return a.d.Ack(false)
}

func (a deliveryAcker) Reject(requeue bool) error {
	return a.d.Reject(requeue)
}

func (s *Supervisor) logInfo(ctx context.Context, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, msg, attrs...)
	}
}

func (s *Supervisor) logWarn(ctx context.Context, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, attrs...)
	}
}

func (s *Supervisor) logError(ctx context.Context, msg string, err error, attrs ...any) {
	if s.logger != nil {
		s.logger.ErrorContext(ctx, msg, append([]any{slog.String("error", err.Error())}, attrs...)...)
	}
}
