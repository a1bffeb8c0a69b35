// Package app собирает сервис из конфигурации: хранилище, платёжные шлюзы,
// оркестратор, HTTP API, фоновые воркеры и Kafka.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/coupon"
	"github.com/vladislavdragonenkov/storefront/internal/service/expiry"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/retention"
	httptransport "github.com/vladislavdragonenkov/storefront/internal/transport/http"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или ошибки одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	// W3C trace context передаётся в HTTP-заголовках и в заголовках Kafka-сообщений.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := deps.close(closeCtx); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	gateways, err := initPaymentGateways(cfg, deps.attemptStore, log.WithField("component", "payments"))
	if err != nil {
		return err
	}

	svc := checkout.NewService(
		deps.repo,
		coupon.NewResolver(deps.couponRepo),
		gateways.registry,
		deps.outboxRepo,
		deps.timelineRepo,
		checkout.WithMetrics(metrics.NewCheckoutMetrics()),
		checkout.WithGatewayTimeout(cfg.GatewayTimeout),
		checkout.WithDefaultCurrency(cfg.DefaultCurrency),
	)

	bus := initMessaging(cfg, svc, logger)
	defer bus.close()

	healthHandler := health.NewHandler(version.Current().ShortVersion(), health.WithCache(time.Second))
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httptransport.NewRouter(httptransport.Dependencies{
			Orders:           svc,
			Gateways:         gateways.registry,
			StripeWebhook:    gateways.webhook,
			RedirectCallback: gateways.callback,
			Idempotency:      deps.idempotencyRepo,
			IdempotencyTTL:   cfg.IdempotencyTTL,
			AdminSecret:      []byte(cfg.AdminJWTSecret),
			HTTPMetrics:      metrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
			Logger:           log.WithField("component", "http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newMetricsHandler(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(httpSrv, "api", logger) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serve(metricsSrv, "metrics", logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping http servers")
		shutdownHTTP(httpSrv, cfg.HTTPShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, cfg.HTTPShutdownTimeout, logger)
		return nil
	})

	outboxWorker := newOutboxWorker(cfg, deps.outboxRepo, bus)
	g.Go(func() error {
		outboxWorker.Run(gctx)
		return nil
	})

	retentionWorker := newRetentionWorker(cfg, deps)
	g.Go(func() error {
		retentionWorker.Run(gctx)
		return nil
	})

	sweeper := expiry.NewSweeper(deps.repo, svc,
		expiry.WithInterval(cfg.ExpirySweepInterval),
		expiry.WithPaymentWindow(cfg.PaymentConfirmTimeout),
		expiry.WithBatchSize(cfg.ExpiryBatchSize),
	)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	bus.start(gctx, g)

	logger.WithFields(version.Current().Fields()).WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"providers":    gateways.registry.Providers(),
	}).Info("storefront started")

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// newRetentionWorker чистит служебные записи тех хранилищ, которые поддерживают удаление.
// Redis истекает по собственному TTL и в список не попадает.
func newRetentionWorker(cfg Config, deps *runtimeDependencies) *retention.Worker {
	targets := []retention.Target{retention.IdempotencyKeys(deps.idempotencyRepo)}
	if purger, ok := deps.outboxRepo.(domain.OutboxPurger); ok && cfg.OutboxSentRetention > 0 {
		targets = append(targets, retention.SentOutbox(purger, cfg.OutboxSentRetention))
	}
	if purger, ok := deps.attemptStore.(domain.PaymentAttemptPurger); ok {
		targets = append(targets, retention.PaymentAttempts(purger, cfg.PaymentAttemptTTL))
	}
	return retention.NewWorker(targets,
		retention.WithInterval(cfg.RetentionInterval),
		retention.WithBatchSize(cfg.RetentionBatchSize),
	)
}

// newOutboxWorker публикует события в Kafka, а без неё пишет их в лог.
func newOutboxWorker(cfg Config, repo domain.OutboxRepository, bus *messaging) *outbox.Worker {
	opts := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	events, dlq := bus.publishers(cfg)
	if dlq != nil {
		opts = append(opts, outbox.WithDLQPublisher(dlq))
	}
	return outbox.NewWorker(repo, events, opts...)
}

// newMetricsHandler отдаёт /metrics и пробы на отдельном порту.
func newMetricsHandler(healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

func serve(srv *http.Server, name string, logger *log.Entry) error {
	logger.WithField("addr", srv.Addr).Infof("%s server listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown with error")
	}
}
