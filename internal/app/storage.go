package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/mongo"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// runtimeDependencies - репозитории выбранного драйвера хранения.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	couponRepo      domain.CouponRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	attemptStore    domain.PaymentAttemptStore

	checkers map[string]health.Checker
	closers  []func(context.Context) error
}

func (d *runtimeDependencies) addCloser(fn func(context.Context) error) {
	d.closers = append(d.closers, fn)
}

// close освобождает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver и, если задан
// redis.addr, хранилище попыток оплаты в Redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]health.Checker)}

	var err error
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		initMemory(deps)
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		err = initPostgres(ctx, cfg, deps, logger)
	case StorageDriverMongo:
		err = initMongo(ctx, cfg, deps, logger)
	default:
		err = fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		_ = deps.close(ctx)
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			_ = deps.close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.attemptStore = redisstore.NewPaymentAttemptStore(rdb, cfg.PaymentAttemptTTL)
		deps.checkers["redis"] = health.Required("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		deps.addCloser(func(context.Context) error { return rdb.Close() })
		logger.WithField("addr", cfg.RedisAddr).Info("payment attempts are stored in redis")
	}
	if deps.attemptStore == nil {
		deps.attemptStore = memory.NewPaymentAttemptStore()
	}

	return deps, nil
}

func initMemory(deps *runtimeDependencies) {
	deps.repo = memory.NewOrderRepository()
	deps.couponRepo = memory.NewCouponRepository()
	deps.outboxRepo = memory.NewOutboxRepository()
	deps.timelineRepo = memory.NewTimelineRepository()
	deps.idempotencyRepo = memory.NewIdempotencyRepository()
}

func initPostgres(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if cfg.PostgresDSN == "" {
		return errors.New("postgres dsn is required")
	}
	store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, postgres.PoolConfig{
		MaxOpenConns:    cfg.PostgresMaxOpenConns,
		MaxIdleConns:    cfg.PostgresMaxIdleConns,
		ConnMaxLifetime: cfg.PostgresConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	deps.addCloser(func(context.Context) error { return store.Close() })
	if err := store.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warn("postgres pool metrics are disabled")
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	} else {
		pending, err := store.PendingMigrations(ctx)
		if err != nil {
			return fmt.Errorf("check migrations: %w", err)
		}
		if len(pending) > 0 {
			logger.WithField("pending", pending).Warn("database schema is behind, run cmd/migrate")
		}
	}

	deps.repo = postgres.NewOrderRepository(store)
	deps.couponRepo = postgres.NewCouponRepository(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.timelineRepo = postgres.NewTimelineRepository(store)
	deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
	deps.attemptStore = postgres.NewPaymentAttemptStore(store)
	deps.checkers["postgres"] = health.Required("postgres", store.Ping)
	logger.Info("using postgres storage")
	return nil
}

// initMongo хранит заказы и купоны в MongoDB; outbox, timeline и ключи
// идемпотентности остаются в памяти процесса.
func initMongo(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	store, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("open mongo: %w", err)
	}
	deps.addCloser(store.Close)

	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure mongo indexes: %w", err)
	}

	initMemory(deps)
	deps.repo = mongo.NewOrderRepository(store)
	deps.couponRepo = mongo.NewCouponRepository(store)
	deps.checkers["mongo"] = health.Required("mongo", store.Ping)
	logger.WithField("database", cfg.MongoDatabase).
		Warn("using mongo storage; outbox, timeline and idempotency keys are kept in memory")
	return nil
}
