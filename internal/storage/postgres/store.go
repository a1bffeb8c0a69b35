package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	applicationName = "storefront"
)

// Store - пул соединений database/sql поверх драйвера pgx.
type Store struct {
	db *sql.DB
}

// PoolConfig - параметры пула; нулевое поле берёт значение по умолчанию.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (c PoolConfig) withDefaults() PoolConfig {
	c.MaxOpenConns = orDefault(c.MaxOpenConns, defaultMaxOpenConns)
	// Простаивающих не больше, чем открытых.
	c.MaxIdleConns = min(orDefault(c.MaxIdleConns, c.MaxOpenConns), c.MaxOpenConns)
	c.ConnMaxLifetime = orDefault(c.ConnMaxLifetime, defaultConnMaxLifetime)
	c.ConnMaxIdleTime = orDefault(c.ConnMaxIdleTime, defaultConnMaxIdleTime)
	c.ConnectTimeout = orDefault(c.ConnectTimeout, defaultConnTimeout)
	return c
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenWithPool(ctx, dsn, PoolConfig{})
}

// OpenWithPool разбирает dsn средствами pgx (ошибка в DSN видна до первого
// подключения), подписывает сессии application_name и проверяет доступность базы.
func OpenWithPool(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	pool = pool.withDefaults()

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connConfig.RuntimeParams["application_name"] == "" {
		connConfig.RuntimeParams["application_name"] = applicationName
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

var errStoreClosed = errors.New("postgres store is not initialized")

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// RegisterMetrics публикует статистику пула как go_sql_* с db_name="storefront".
// Повторная регистрация того же пула не считается ошибкой.
func (s *Store) RegisterMetrics(registerer prometheus.Registerer) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	err := registerer.Register(collectors.NewDBStatsCollector(s.db, "storefront"))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// EnsureSchema применяет все ещё не применённые up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
