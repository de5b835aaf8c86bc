package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/observability"
	"github.com/crmpipe/crmpipe/internal/storage"
)

const (
	defaultExportLimit     = 500
	defaultMaxArchiveBytes = 64 << 20

	metadataMessageCount = "message-count"
	firstDeathReason     = "x-first-death-reason"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrArchiveTooLarge = errors.New("archive too large")
)

// Broker is the slice of the broker the dead-letter tooling needs: pulling
// single messages without auto-ack and publishing with confirms.
type Broker interface {
	bus.Publisher
	Get(ctx context.Context, queue string) (bus.Delivery, bool, error)
	QueueDepth(ctx context.Context, queue string) (int, error)
}

type Config struct {
	ExportLimit     int
	MaxArchiveBytes int64
}

type Service struct {
	broker Broker
	store  storage.ObjectStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(broker Broker, store storage.ObjectStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = defaultExportLimit
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	return &Service{
		broker: broker,
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

type Stats struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

// Record is one line of an export archive. Payload holds the original bytes,
// which are not necessarily valid JSON.
type Record struct {
	Queue       string `json:"queue"`
	MessageID   string `json:"messageId,omitempty"`
	RetryCount  int    `json:"retryCount"`
	Reason      string `json:"reason,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Payload     []byte `json:"payload"`
}

type ExportResult struct {
	Key      string `json:"key,omitempty"`
	Exported int    `json:"exported"`
	Size     int64  `json:"size"`
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
	Requeued int `json:"requeued"`
}

type ArchiveReplayResult struct {
	Key      string `json:"key"`
	Replayed int    `json:"replayed"`
	Skipped  int    `json:"skipped"`
	Removed  bool   `json:"removed"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	depth, err := s.broker.QueueDepth(ctx, bus.DeadLetterQueue)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queue: bus.DeadLetterQueue, Depth: depth}, nil
}

// Export moves up to limit dead letters into one archive object. Messages
// are acknowledged only after the upload succeeded; on any failure they are
// returned to the dead-letter queue.
func (s *Service) Export(ctx context.Context, limit int) (ExportResult, error) {
	if s.store == nil {
		return ExportResult{}, fmt.Errorf("%w: object storage is not configured", ErrInvalidRequest)
	}
	limit = s.clampLimit(limit)

	var held []bus.Delivery
	for len(held) < limit {
		delivery, ok, err := s.broker.Get(ctx, bus.DeadLetterQueue)
		if err != nil {
			s.requeue(ctx, held)
			return ExportResult{}, fmt.Errorf("read dead letters: %w", err)
		}
		if !ok {
			break
		}
		held = append(held, delivery)
	}
	if len(held) == 0 {
		return ExportResult{}, nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, delivery := range held {
		if err := encoder.Encode(recordFor(delivery.Envelope)); err != nil {
			s.requeue(ctx, held)
			return ExportResult{}, fmt.Errorf("encode dead letter: %w", err)
		}
	}

	key, err := storage.BuildDeadLetterArchivePath(s.now(), s.newID())
	if err != nil {
		s.requeue(ctx, held)
		return ExportResult{}, err
	}
	info, err := s.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{
		Metadata: map[string]string{metadataMessageCount: strconv.Itoa(len(held))},
	})
	if err != nil {
		s.requeue(ctx, held)
		return ExportResult{}, fmt.Errorf("upload dead-letter archive: %w", err)
	}

	var ackErrs []error
	for _, delivery := range held {
		if err := delivery.Ack(); err != nil {
			ackErrs = append(ackErrs, err)
		}
	}
	observability.AddDeadLettersExported(len(held))
	s.logInfo(ctx, "dead letters exported", slog.String("key", key), slog.Int("count", len(held)))

	result := ExportResult{Key: key, Exported: len(held), Size: info.Size}
	if len(ackErrs) > 0 {
		return result, fmt.Errorf("ack exported dead letters: %w", errors.Join(ackErrs...))
	}
	return result, nil
}

// Replay publishes up to limit dead letters back to the queue they died in,
// with the retry counter cleared. Messages whose origin is unknown go back to
// the dead-letter queue once the pass is over.
func (s *Service) Replay(ctx context.Context, limit int) (result ReplayResult, err error) {
	limit = s.clampLimit(limit)

	var unknown []bus.Delivery
	defer func() {
		s.requeue(ctx, unknown)
		result.Requeued = len(unknown)
	}()

	for result.Replayed+len(unknown) < limit {
		delivery, ok, err := s.broker.Get(ctx, bus.DeadLetterQueue)
		if err != nil {
			return result, fmt.Errorf("read dead letters: %w", err)
		}
		if !ok {
			break
		}
		origin := OriginQueue(delivery.Headers)
		if origin == "" {
			s.logWarn(ctx, "dead letter has no known origin queue", slog.String("message_id", delivery.MessageID))
			unknown = append(unknown, delivery)
			continue
		}

		env := revive(delivery.Envelope, origin)
		if err := s.broker.Publish(ctx, env); err != nil {
			_ = delivery.Reject(true)
			return result, err
		}
		if err := delivery.Ack(); err != nil {
			return result, fmt.Errorf("ack replayed dead letter: %w", err)
		}
		result.Replayed++
		observability.AddDeadLettersReplayed(1)
	}

	if result.Replayed > 0 {
		s.logInfo(ctx, "dead letters replayed", slog.Int("count", result.Replayed), slog.Int("unknown_origin", len(unknown)))
	}
	return result, nil
}

// ReplayArchive re-publishes every record of an export archive to its origin
// queue. With remove set the archive is deleted after a complete replay.
func (s *Service) ReplayArchive(ctx context.Context, key string, remove bool) (ArchiveReplayResult, error) {
	if s.store == nil {
		return ArchiveReplayResult{}, fmt.Errorf("%w: object storage is not configured", ErrInvalidRequest)
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if err := storage.ValidateDeadLetterArchivePath(key); err != nil {
		return ArchiveReplayResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	info, err := s.store.Stat(ctx, key)
	if err != nil {
		return ArchiveReplayResult{}, err
	}
	if info.Size > s.cfg.MaxArchiveBytes {
		return ArchiveReplayResult{}, fmt.Errorf("%w: %d bytes", ErrArchiveTooLarge, info.Size)
	}

	body, err := s.store.Get(ctx, key)
	if err != nil {
		return ArchiveReplayResult{}, err
	}
	defer body.Close()

	result := ArchiveReplayResult{Key: key}
	decoder := json.NewDecoder(io.LimitReader(body, s.cfg.MaxArchiveBytes))
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("%w: decode archive line %d: %v", ErrInvalidRequest, result.Replayed+result.Skipped+1, err)
		}
		if !bus.IsWorkQueue(record.Queue) {
			result.Skipped++
			continue
		}
		if err := s.broker.Publish(ctx, envelopeFor(record)); err != nil {
			return result, err
		}
		result.Replayed++
		observability.AddDeadLettersReplayed(1)
	}

	if remove {
		if err := s.store.Delete(ctx, key); err != nil {
			return result, fmt.Errorf("remove replayed archive: %w", err)
		}
		result.Removed = true
	}
	s.logInfo(ctx, "dead-letter archive replayed",
		slog.String("key", key),
		slog.Int("replayed", result.Replayed),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// OriginQueue returns the work queue a dead letter was first rejected from,
// or "" when the header is missing or names an unknown queue.
func OriginQueue(headers map[string]any) string {
	origin, _ := headers[bus.FirstDeathQueueHeader].(string)
	if !bus.IsWorkQueue(origin) {
		return ""
	}
	return origin
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 || limit > s.cfg.ExportLimit {
		return s.cfg.ExportLimit
	}
	return limit
}

func (s *Service) requeue(ctx context.Context, deliveries []bus.Delivery) {
	for _, delivery := range deliveries {
		if err := delivery.Reject(true); err != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "requeue dead letter failed",
				slog.String("message_id", delivery.MessageID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func recordFor(env bus.Envelope) Record {
	reason, _ := env.Headers[firstDeathReason].(string)
	return Record{
		Queue:       OriginQueue(env.Headers),
		MessageID:   env.MessageID,
		RetryCount:  env.RetryCount(),
		Reason:      reason,
		TraceID:     observability.TraceIDFromHeaders(env.Headers),
		ContentType: env.ContentType,
		Payload:     env.Payload,
	}
}

// revive strips broker death bookkeeping and the retry counter so the message
// starts a fresh retry cycle on its origin queue.
func revive(env bus.Envelope, origin string) bus.Envelope {
	out := env.WithoutRetryCount()
	for key := range out.Headers {
		if key == "x-death" || strings.HasPrefix(key, "x-first-death-") || strings.HasPrefix(key, "x-last-death-") {
			delete(out.Headers, key)
		}
	}
	out.Queue = origin
	out.Persistent = true
	return out
}

func envelopeFor(record Record) bus.Envelope {
	env := bus.Envelope{
		Queue:       record.Queue,
		Payload:     record.Payload,
		Persistent:  true,
		ContentType: record.ContentType,
		MessageID:   record.MessageID,
	}
	if env.ContentType == "" {
		env.ContentType = bus.ContentTypeJSON
	}
	if record.TraceID != "" {
		env.Headers = map[string]any{observability.MessageTraceHeader: record.TraceID}
	}
	return env
}

func (s *Service) logInfo(ctx context.Context, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, msg, attrs...)
	}
}

func (s *Service) logWarn(ctx context.Context, msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, attrs...)
	}
}
