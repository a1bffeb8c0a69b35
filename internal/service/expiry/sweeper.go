// Package expiry переводит заказы, застрявшие в payment_initiated, в payment_failed.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultSweepInterval = time.Minute
	defaultPaymentWindow = 30 * time.Minute
	defaultSweepBatch    = 100
)

var (
	expirySweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_payment_expiry_runs_total",
		Help: "Total number of payment expiry sweeps grouped by result.",
	}, []string{"result"})
	expiryExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_payment_expired_orders_total",
		Help: "Total number of orders moved to payment_failed after the payment window elapsed.",
	})
)

// Expirer переводит один заказ в payment_failed, если он всё ещё ждёт оплаты.
type Expirer interface {
	ExpirePayment(ctx context.Context, orderID, reason string) (bool, error)
}

// Options задаёт параметры Sweeper.
type Options struct {
	Logger        *log.Entry
	Interval      time.Duration
	PaymentWindow time.Duration
	BatchSize     int
	Now           func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithInterval задаёт период между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithPaymentWindow задаёт, сколько заказ может ждать подтверждения.
func WithPaymentWindow(window time.Duration) Option {
	return func(opts *Options) { opts.PaymentWindow = window }
}

// WithBatchSize ограничивает число заказов за один проход.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Sweeper периодически ищет заказы без подтверждения оплаты.
type Sweeper struct {
	orders    domain.OrderRepository
	expirer   Expirer
	logger    *log.Entry
	interval  time.Duration
	window    time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper создаёт sweeper.
func NewSweeper(orders domain.OrderRepository, expirer Expirer, options ...Option) *Sweeper {
	opts := Options{
		Interval:      defaultSweepInterval,
		PaymentWindow: defaultPaymentWindow,
		BatchSize:     defaultSweepBatch,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = defaultPaymentWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatch
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Sweeper{
		orders:    orders,
		expirer:   expirer,
		logger:    logger,
		interval:  opts.Interval,
		window:    opts.PaymentWindow,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run выполняет проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.orders == nil || s.expirer == nil {
		s.logger.Warn("payment expiry sweeper is disabled: repo or expirer is nil")
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.SweepOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		expirySweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("payment expiry sweep failed")
		return
	}

	expirySweepRunsTotal.WithLabelValues("ok").Inc()
	if expired > 0 {
		s.logger.WithField("expired", expired).Info("payment expiry sweep completed")
	}
}

// SweepOnce переводит в payment_failed заказы, ожидающие оплату дольше окна.
// Ошибка по отдельному заказу логируется и не прерывает проход.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.window)
	stale, err := s.orders.ListStale(ctx, domain.OrderStatusPaymentInitiated, before, s.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		changed, err := s.expirer.ExpirePayment(ctx, order.ID, "payment window elapsed")
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to expire payment")
			continue
		}
		if changed {
			expired++
			expiryExpiredTotal.Inc()
		}
	}
	return expired, nil
}
