package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// Результаты публикации для метрики storefront_outbox_publish_attempts_total.
const (
	resultSent      = "sent"
	resultRetry     = "retry_error"
	resultFailed    = "failed"
	resultDLQFailed = "dlq_failed"
)

var (
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by order event type and result.",
	}, []string{"event_type", "result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_pending_records",
		Help: "Order events waiting for publication.",
	})
	failedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_failed_records",
		Help: "Order events that exhausted publish attempts.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending order event.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDLQPublisher задаёт publisher, куда уходят события после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

// WithBatchSize задаёт число событий за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; каждая следующая вдвое длиннее.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// WithClock подменяет источник времени (возраст backlog, метка DLQ).
func WithClock(clock func() time.Time) Option {
	return func(opts *WorkerOptions) { opts.Clock = clock }
}

// BatchReport - итог одного цикла публикации.
type BatchReport struct {
	Pulled       int
	Sent         int
	Retries      int
	Failed       int
	DeadLettered int
	// Marked - события, статус которых удалось сохранить в outbox.
	Marked int
}

// deadLetter - конверт события заказа в DLQ-топике.
type deadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempts       int             `json:"attempts"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// Worker доставляет события заказов из transactional outbox в Kafka.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	now       func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
}

// NewWorker создаёт outbox worker. Некорректные значения опций заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		dlq:          opts.DLQPublisher,
		logger:       opts.Logger,
		now:          opts.Clock,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    max(opts.RetryBaseDelay, 0),
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	return w
}

// Run публикует события до отмены ctx. Если батч заполнен целиком, следующий
// цикл начинается сразу, не дожидаясь тика.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		report := w.ProcessOnce(ctx)
		if report.Pulled == w.batchSize && report.Marked == report.Pulled && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч pending-событий и публикует их по порядку.
func (w *Worker) ProcessOnce(ctx context.Context) BatchReport {
	var report BatchReport
	if ctx.Err() != nil {
		return report
	}
	defer w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return report
	}
	report.Pulled = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		w.deliver(ctx, event, &report)
	}

	if report.Failed > 0 || report.Retries > 0 {
		w.logger.WithFields(log.Fields{
			"pulled":        report.Pulled,
			"sent":          report.Sent,
			"retries":       report.Retries,
			"failed":        report.Failed,
			"dead_lettered": report.DeadLettered,
		}).Info("outbox batch processed with errors")
	}
	return report
}

func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage, report *BatchReport) {
	ctx, span := otel.Tracer("storefront/outbox").Start(ctx, "outbox.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.id", event.ID),
		attribute.String("order.id", event.AggregateID),
		attribute.String("event.type", event.EventType),
	)

	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
	})

	attempts, err := w.publishWithRetry(ctx, event)
	report.Retries += attempts - 1
	if err == nil {
		report.Sent++
		if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
			// Событие уйдёт повторно на следующем цикле; потребители дедуплицируют по outbox_id.
			logger.WithError(markErr).Warn("failed to mark outbox as sent")
			return
		}
		report.Marked++
		return
	}
	if ctx.Err() != nil {
		// Остановка сервиса посреди ретраев: событие остаётся pending.
		return
	}

	report.Failed++
	span.SetStatus(codes.Error, err.Error())
	publishAttempts.WithLabelValues(event.EventType, resultFailed).Inc()
	logger.WithError(err).WithField("attempts", attempts).Error("outbox publish failed after retries")

	if w.dlq != nil {
		if dlqErr := w.publishToDLQ(ctx, event, attempts, err); dlqErr != nil {
			publishAttempts.WithLabelValues(event.EventType, resultDLQFailed).Inc()
			logger.WithError(dlqErr).Warn("failed to publish to DLQ")
		} else {
			report.DeadLettered++
		}
	}
	if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
		logger.WithError(markErr).Warn("failed to mark outbox as failed")
		return
	}
	report.Marked++
}

// publishWithRetry возвращает число сделанных попыток и последнюю ошибку.
func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(ctx, event); lastErr == nil {
			publishAttempts.WithLabelValues(event.EventType, resultSent).Inc()
			return attempt, nil
		}
		publishAttempts.WithLabelValues(event.EventType, resultRetry).Inc()

		if attempt == w.maxAttempts {
			return attempt, fmt.Errorf("publish %s after %d attempts: %w", event.EventType, attempt, lastErr)
		}
		if err := sleepCtx(ctx, w.retryBackoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return w.maxAttempts, lastErr
}

// retryBackoff - пауза после attempt-й неудачной попытки: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.baseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := w.baseDelay
	for i := 1; i < attempt; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) publishToDLQ(ctx context.Context, event domain.OutboxMessage, attempts int, publishErr error) error {
	letter := deadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Attempts:       attempts,
		PublishError:   publishErr.Error(),
		DLQPublishedAt: w.now(),
	}
	if json.Valid(event.Payload) {
		letter.Payload = event.Payload
	}

	payload, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := w.dlq.Publish(ctx, domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	failedRecords.Set(float64(stats.FailedCount))
	oldestPendingAge.Set(stats.OldestPendingAge(w.now()).Seconds())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
