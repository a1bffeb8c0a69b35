// Package retention удаляет устаревшие служебные записи витрины:
// ключи идемпотентности, опубликованные сообщения outbox и результаты initiate().
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// Имена целей в метриках и логах.
const (
	TargetIdempotencyKeys = "idempotency_keys"
	TargetSentOutbox      = "outbox_sent"
	TargetPaymentAttempts = "payment_attempts"
)

var (
	retentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_retention_runs_total",
		Help: "Total number of retention passes grouped by target and result.",
	}, []string{"target", "result"})
	retentionDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_retention_deleted_total",
		Help: "Total number of records removed by the retention worker.",
	}, []string{"target"})
	retentionLastDeleted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storefront_retention_last_deleted",
		Help: "Records removed during the last pass of each target.",
	}, []string{"target"})
)

// PurgeFunc удаляет не более limit записей, устаревших к before, и возвращает их число.
type PurgeFunc func(ctx context.Context, before time.Time, limit int) (int, error)

// Target - вид записей со своим сроком хранения.
type Target struct {
	Name string
	// Retention отсчитывается назад от текущего времени.
	// Для ключей идемпотентности срок уже заложен в ttl записи, поэтому там 0.
	Retention time.Duration
	Purge     PurgeFunc
}

// IdempotencyKeys удаляет ключи идемпотентности с истёкшим ttl.
func IdempotencyKeys(repo domain.IdempotencyRepository) Target {
	t := Target{Name: TargetIdempotencyKeys}
	if repo != nil {
		t.Purge = repo.DeleteExpired
	}
	return t
}

// SentOutbox удаляет сообщения outbox, опубликованные раньше чем retention назад.
func SentOutbox(purger domain.OutboxPurger, retention time.Duration) Target {
	t := Target{Name: TargetSentOutbox, Retention: retention}
	if purger != nil {
		t.Purge = purger.DeleteSent
	}
	return t
}

// PaymentAttempts удаляет результаты initiate() старше ttl.
func PaymentAttempts(purger domain.PaymentAttemptPurger, ttl time.Duration) Target {
	t := Target{Name: TargetPaymentAttempts, Retention: ttl}
	if purger != nil {
		t.Purge = purger.DeleteExpired
	}
	return t
}

// Options задаёт параметры Worker.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithBatchSize ограничивает число записей, удаляемых одним запросом.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Worker периодически проходит по целям и удаляет устаревшие записи порциями.
type Worker struct {
	targets   []Target
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewWorker создаёт воркер. Цели без Purge (хранилище не поддерживает удаление) пропускаются.
func NewWorker(targets []Target, options ...Option) *Worker {
	opts := Options{Interval: defaultInterval, BatchSize: defaultBatchSize}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "retention-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	active := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Purge == nil {
			opts.Logger.WithField("target", t.Name).Debug("retention target has no purger, skipped")
			continue
		}
		active = append(active, t)
	}

	return &Worker{
		targets:   active,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Targets возвращает имена активных целей.
func (w *Worker) Targets() []string {
	names := make([]string, 0, len(w.targets))
	for _, t := range w.targets {
		names = append(names, t.Name)
	}
	return names
}

// Run выполняет проходы до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if len(w.targets) == 0 {
		w.logger.Warn("retention worker is disabled: no targets")
		return
	}

	w.pass(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	deleted, err := w.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Warn("retention pass finished with errors")
	}
	for name, n := range deleted {
		if n > 0 {
			w.logger.WithFields(log.Fields{"target": name, "deleted": n}).Info("retention pass completed")
		}
	}
}

// RunOnce проходит по всем целям. Ошибка одной цели не останавливает остальные.
func (w *Worker) RunOnce(ctx context.Context) (map[string]int, error) {
	now := w.now()
	deleted := make(map[string]int, len(w.targets))
	var errs []error

	for _, t := range w.targets {
		n, err := w.Purge(ctx, t, now)
		deleted[t.Name] = n
		retentionLastDeleted.WithLabelValues(t.Name).Set(float64(n))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return deleted, err
			}
			retentionRunsTotal.WithLabelValues(t.Name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		retentionRunsTotal.WithLabelValues(t.Name, "ok").Inc()
	}
	return deleted, errors.Join(errs...)
}

// Purge удаляет устаревшие записи цели, пока очередная порция заполнена целиком.
func (w *Worker) Purge(ctx context.Context, t Target, now time.Time) (int, error) {
	before := now.Add(-t.Retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := t.Purge(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n > 0 {
			retentionDeletedTotal.WithLabelValues(t.Name).Add(float64(n))
		}
		if n < w.batchSize {
			return total, nil
		}
	}
}
