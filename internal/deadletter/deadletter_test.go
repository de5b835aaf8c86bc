package deadletter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/storage"
)

type fakeBroker struct {
	queue     []*heldMessage
	published []bus.Envelope
	getErr    error
	pubErr    error
}

type heldMessage struct {
	broker  *fakeBroker
	env     bus.Envelope
	acked   bool
	requeue int
}

func (m *heldMessage) Ack() error {
	m.acked = true
	return nil
}

func (m *heldMessage) Reject(requeue bool) error {
	if requeue {
		m.requeue++
		m.broker.queue = append(m.broker.queue, m)
	}
	return nil
}

func (b *fakeBroker) add(env bus.Envelope) *heldMessage {
	msg := &heldMessage{broker: b, env: env}
	b.queue = append(b.queue, msg)
	return msg
}

func (b *fakeBroker) Get(_ context.Context, queue string) (bus.Delivery, bool, error) {
	if b.getErr != nil {
		return bus.Delivery{}, false, b.getErr
	}
	if queue != bus.DeadLetterQueue || len(b.queue) == 0 {
		return bus.Delivery{}, false, nil
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	env := msg.env
	env.Queue = queue
	return bus.Delivery{Envelope: env, Acker: msg}, true, nil
}

func (b *fakeBroker) QueueDepth(_ context.Context, queue string) (int, error) {
	if queue != bus.DeadLetterQueue {
		return 0, nil
	}
	return len(b.queue), nil
}

func (b *fakeBroker) Publish(_ context.Context, env bus.Envelope) error {
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, env)
	return nil
}

type memStore struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if m.putErr != nil {
		return storage.ObjectInfo{}, m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.objects[key] = data
	m.meta[key] = opts.Metadata
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func deadLetter(origin, payload string, retries int) bus.Envelope {
	env := bus.Envelope{
		Queue:       bus.DeadLetterQueue,
		Payload:     []byte(payload),
		ContentType: bus.ContentTypeJSON,
		MessageID:   "m-" + payload,
		Headers: map[string]any{
			bus.FirstDeathQueueHeader: origin,
			"x-first-death-reason":    "rejected",
			"x-death":                 []any{},
		},
	}
	if retries > 0 {
		env = env.WithRetryCount(retries)
	}
	return env
}

func newTestService(broker *fakeBroker, store storage.ObjectStore, limit int) *Service {
	svc := NewService(broker, store, Config{ExportLimit: limit}, nil)
	svc.now = func() time.Time { return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) }
	svc.newID = func() string { return "e1" }
	return svc
}

func TestStatsReportsQueueDepth(t *testing.T) {
	broker := &fakeBroker{}
	broker.add(deadLetter(bus.QueueOrderCreated, "a", 3))
	broker.add(deadLetter(bus.QueueOrderCreated, "b", 3))

	stats, err := newTestService(broker, nil, 10).Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Queue != bus.DeadLetterQueue || stats.Depth != 2 {
		t.Fatalf("Stats() = %#v", stats)
	}
}

func TestExportWritesArchiveThenAcks(t *testing.T) {
	broker := &fakeBroker{}
	first := broker.add(deadLetter(bus.QueueOrderCreated, "not json", 3))
	second := broker.add(deadLetter(bus.QueueCustomerCreated, `{"email":"x"}`, 0))
	third := broker.add(deadLetter(bus.QueueCustomerCreated, `{"email":"y"}`, 0))
	store := newMemStore()

	result, err := newTestService(broker, store, 2).Export(context.Background(), 0)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	wantKey := "dead-letters/date=2026-03-02/hour=10/export-e1.jsonl"
	if result.Key != wantKey || result.Exported != 2 {
		t.Fatalf("Export() = %#v", result)
	}
	if !first.acked || !second.acked || third.acked {
		t.Fatalf("acked = %v/%v/%v, want true/true/false", first.acked, second.acked, third.acked)
	}
	if store.meta[wantKey]["message-count"] != "2" {
		t.Fatalf("metadata = %#v", store.meta[wantKey])
	}

	lines := strings.Split(strings.TrimSpace(string(store.objects[wantKey])), "\n")
	if len(lines) != 2 {
		t.Fatalf("archive lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"queue":"order_created"`) || !strings.Contains(lines[0], `"retryCount":3`) {
		t.Fatalf("first line = %s", lines[0])
	}
}

func TestExportRequeuesWhenUploadFails(t *testing.T) {
	broker := &fakeBroker{}
	msg := broker.add(deadLetter(bus.QueueOrderCreated, "a", 3))
	store := newMemStore()
	store.putErr = errors.New("bucket offline")

	if _, err := newTestService(broker, store, 10).Export(context.Background(), 10); err == nil {
		t.Fatal("expected upload error")
	}
	if msg.acked || msg.requeue != 1 {
		t.Fatalf("acked=%v requeue=%d, want false/1", msg.acked, msg.requeue)
	}
	if len(broker.queue) != 1 {
		t.Fatalf("queue depth = %d, want 1", len(broker.queue))
	}
}

func TestExportEmptyQueueUploadsNothing(t *testing.T) {
	store := newMemStore()
	result, err := newTestService(&fakeBroker{}, store, 10).Export(context.Background(), 10)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Exported != 0 || result.Key != "" || len(store.objects) != 0 {
		t.Fatalf("Export() = %#v, objects = %d", result, len(store.objects))
	}
}

func TestExportWithoutStoreIsInvalid(t *testing.T) {
	if _, err := newTestService(&fakeBroker{}, nil, 10).Export(context.Background(), 1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Export() error = %v, want ErrInvalidRequest", err)
	}
}

func TestReplayPublishesToOriginWithRetryReset(t *testing.T) {
	broker := &fakeBroker{}
	known := broker.add(deadLetter(bus.QueueOrderCreated, `{"customerId":7}`, 3))
	orphan := broker.add(deadLetter("", "orphan", 1))

	result, err := newTestService(broker, nil, 10).Replay(context.Background(), 10)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if result.Replayed != 1 || result.Requeued != 1 {
		t.Fatalf("Replay() = %#v", result)
	}
	if !known.acked || orphan.acked || orphan.requeue != 1 {
		t.Fatalf("known acked=%v orphan acked=%v requeue=%d", known.acked, orphan.acked, orphan.requeue)
	}

	if len(broker.published) != 1 {
		t.Fatalf("published = %d, want 1", len(broker.published))
	}
	got := broker.published[0]
	if got.Queue != bus.QueueOrderCreated || got.RetryCount() != 0 || string(got.Payload) != `{"customerId":7}` {
		t.Fatalf("published = %#v", got)
	}
	for _, header := range []string{bus.RetryCountHeader, bus.FirstDeathQueueHeader, "x-first-death-reason", "x-death"} {
		if _, ok := got.Headers[header]; ok {
			t.Fatalf("header %q survived replay", header)
		}
	}
}

func TestReplayStopsOnPublishFailure(t *testing.T) {
	broker := &fakeBroker{pubErr: bus.ErrPublishFailure}
	msg := broker.add(deadLetter(bus.QueueOrderCreated, "a", 3))

	_, err := newTestService(broker, nil, 10).Replay(context.Background(), 10)
	if !errors.Is(err, bus.ErrPublishFailure) {
		t.Fatalf("Replay() error = %v, want ErrPublishFailure", err)
	}
	if msg.acked || msg.requeue != 1 {
		t.Fatalf("acked=%v requeue=%d", msg.acked, msg.requeue)
	}
}

func TestReplayArchiveRoundTrip(t *testing.T) {
	broker := &fakeBroker{}
	broker.add(deadLetter(bus.QueueOrderCreated, "not json", 3))
	broker.add(deadLetter(bus.QueueCustomersBulkImport, `[{"email":"a"}]`, 0))
	store := newMemStore()
	svc := newTestService(broker, store, 10)

	exported, err := svc.Export(context.Background(), 10)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	result, err := svc.ReplayArchive(context.Background(), "/"+exported.Key, true)
	if err != nil {
		t.Fatalf("ReplayArchive() error = %v", err)
	}
	if result.Replayed != 2 || result.Skipped != 0 || !result.Removed {
		t.Fatalf("ReplayArchive() = %#v", result)
	}
	if _, ok := store.objects[exported.Key]; ok {
		t.Fatal("archive was not removed")
	}
	if got := broker.published[0]; got.Queue != bus.QueueOrderCreated || string(got.Payload) != "not json" || got.RetryCount() != 0 {
		t.Fatalf("first replayed = %#v", got)
	}
	if got := broker.published[1]; got.Queue != bus.QueueCustomersBulkImport {
		t.Fatalf("second replayed queue = %q", got.Queue)
	}
}

func TestReplayArchiveSkipsUnknownQueues(t *testing.T) {
	store := newMemStore()
	key := "dead-letters/date=2026-03-02/hour=10/export-x.jsonl"
	store.objects[key] = []byte(`{"queue":"campaigns","payload":"e30="}` + "\n" + `{"queue":"order_created","payload":"e30="}` + "\n")
	broker := &fakeBroker{}

	result, err := newTestService(broker, store, 10).ReplayArchive(context.Background(), key, false)
	if err != nil {
		t.Fatalf("ReplayArchive() error = %v", err)
	}
	if result.Replayed != 1 || result.Skipped != 1 || result.Removed {
		t.Fatalf("ReplayArchive() = %#v", result)
	}
	if string(broker.published[0].Payload) != "{}" {
		t.Fatalf("payload = %q", broker.published[0].Payload)
	}
}

func TestReplayArchiveRejectsBadInput(t *testing.T) {
	store := newMemStore()
	svc := newTestService(&fakeBroker{}, store, 10)

	if _, err := svc.ReplayArchive(context.Background(), "../etc/passwd", false); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("traversal error = %v, want ErrInvalidRequest", err)
	}
	missing := "dead-letters/date=2026-03-02/hour=10/export-missing.jsonl"
	if _, err := svc.ReplayArchive(context.Background(), missing, false); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("missing error = %v, want ErrObjectNotFound", err)
	}

	big := "dead-letters/date=2026-03-02/hour=10/export-big.jsonl"
	store.objects[big] = bytes.Repeat([]byte("x"), 32)
	svc.cfg.MaxArchiveBytes = 16
	if _, err := svc.ReplayArchive(context.Background(), big, false); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("big error = %v, want ErrArchiveTooLarge", err)
	}
}

func TestOriginQueue(t *testing.T) {
	if got := OriginQueue(map[string]any{bus.FirstDeathQueueHeader: bus.QueueOrdersBulkImport}); got != bus.QueueOrdersBulkImport {
		t.Fatalf("OriginQueue() = %q", got)
	}
	if got := OriginQueue(map[string]any{bus.FirstDeathQueueHeader: "dead_letters"}); got != "" {
		t.Fatalf("OriginQueue() = %q, want empty", got)
	}
	if got := OriginQueue(nil); got != "" {
		t.Fatalf("OriginQueue(nil) = %q", got)
	}
}
