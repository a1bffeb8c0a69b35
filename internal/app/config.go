package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vladislavdragonenkov/storefront/internal/money"
)

const (
	// StorageDriverMemory хранит данные в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL.
	StorageDriverPostgres = "postgres"
	// StorageDriverMongo хранит заказы и купоны в MongoDB.
	StorageDriverMongo = "mongo"
)

const (
	envPrefix     = "STOREFRONT_"
	envConfigPath = "STOREFRONT_CONFIG"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr            string        `koanf:"http.addr"`
	HTTPReadTimeout     time.Duration `koanf:"http.read_timeout"`
	HTTPWriteTimeout    time.Duration `koanf:"http.write_timeout"`
	HTTPShutdownTimeout time.Duration `koanf:"http.shutdown_timeout"`
	MetricsAddr         string        `koanf:"metrics.addr"`

	LogLevel  string `koanf:"log.level"`
	LogFormat string `koanf:"log.format"`
	LogFile   string `koanf:"log.file"`

	StorageDriver        string        `koanf:"storage.driver"`
	PostgresDSN          string        `koanf:"postgres.dsn"`
	PostgresAutoMigrate  bool          `koanf:"postgres.auto_migrate"`
	PostgresMaxOpenConns int           `koanf:"postgres.max_open_conns"`
	PostgresMaxIdleConns int           `koanf:"postgres.max_idle_conns"`
	PostgresConnLifetime time.Duration `koanf:"postgres.conn_max_lifetime"`
	MongoURI             string        `koanf:"mongo.uri"`
	MongoDatabase        string        `koanf:"mongo.database"`
	RedisAddr            string        `koanf:"redis.addr"`
	RedisPassword        string        `koanf:"redis.password"`

	KafkaBrokers            string `koanf:"kafka.brokers"`
	KafkaEventsTopic        string `koanf:"kafka.events_topic"`
	KafkaNotificationsTopic string `koanf:"kafka.notifications_topic"`
	KafkaDLQTopic           string `koanf:"kafka.dlq_topic"`
	KafkaConsumerGroup      string `koanf:"kafka.consumer_group"`
	KafkaMaxRetries         int    `koanf:"kafka.max_retries"`

	// DefaultCurrency - валюта заказа, если клиент её не прислал.
	DefaultCurrency string `koanf:"checkout.default_currency"`

	// PaymentsMock подменяет провайдеров заглушками для локального запуска.
	PaymentsMock          bool          `koanf:"payments.mock"`
	GatewayTimeout        time.Duration `koanf:"payments.gateway_timeout"`
	PaymentConfirmTimeout time.Duration `koanf:"payments.confirm_timeout"`
	BreakerMaxFailures    int           `koanf:"payments.breaker_max_failures"`
	BreakerResetTimeout   time.Duration `koanf:"payments.breaker_reset_timeout"`
	// PaymentAttemptTTL - сколько хранится результат initiate() для повторов с тем же ключом.
	PaymentAttemptTTL time.Duration `koanf:"payments.attempt_ttl"`

	StripeSecretKey      string `koanf:"stripe.secret_key"`
	StripePublishableKey string `koanf:"stripe.publishable_key"`
	StripeWebhookSecret  string `koanf:"stripe.webhook_secret"`
	StripeAPIURL         string `koanf:"stripe.api_url"`

	RedirectTmnCode    string `koanf:"redirect.tmn_code"`
	RedirectHashSecret string `koanf:"redirect.hash_secret"`
	RedirectPayURL     string `koanf:"redirect.pay_url"`
	RedirectReturnURL  string `koanf:"redirect.return_url"`
	RedirectCurrency   string `koanf:"redirect.currency"`
	RedirectTimezone   string `koanf:"redirect.timezone"`

	AdminJWTSecret string `koanf:"admin.jwt_secret"`

	OutboxPollInterval time.Duration `koanf:"outbox.poll_interval"`
	OutboxBatchSize    int           `koanf:"outbox.batch_size"`
	OutboxMaxAttempts  int           `koanf:"outbox.max_attempts"`
	OutboxRetryDelay   time.Duration `koanf:"outbox.retry_delay"`

	IdempotencyTTL time.Duration `koanf:"idempotency.ttl"`

	RetentionInterval  time.Duration `koanf:"retention.interval"`
	RetentionBatchSize int           `koanf:"retention.batch_size"`
	// OutboxSentRetention - сколько хранятся опубликованные сообщения outbox.
	OutboxSentRetention time.Duration `koanf:"retention.outbox_sent"`

	ExpirySweepInterval time.Duration `koanf:"expiry.interval"`
	ExpiryBatchSize     int           `koanf:"expiry.batch_size"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		HTTPReadTimeout:     10 * time.Second,
		HTTPWriteTimeout:    30 * time.Second,
		HTTPShutdownTimeout: 10 * time.Second,
		MetricsAddr:         ":9090",

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		MongoDatabase:       "storefront",

		KafkaEventsTopic:        "storefront.order.events",
		KafkaNotificationsTopic: "storefront.payment.notifications",
		KafkaDLQTopic:           "storefront.dlq",
		KafkaConsumerGroup:      "storefront-payments",
		KafkaMaxRetries:         3,

		DefaultCurrency: "USD",

		PaymentsMock:          true,
		GatewayTimeout:        15 * time.Second,
		PaymentConfirmTimeout: 30 * time.Minute,
		BreakerMaxFailures:    5,
		BreakerResetTimeout:   30 * time.Second,
		PaymentAttemptTTL:     24 * time.Hour,

		RedirectPayURL:   "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		RedirectCurrency: "VND",
		RedirectTimezone: "Asia/Ho_Chi_Minh",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyTTL: 24 * time.Hour,

		RetentionInterval:   time.Minute,
		RetentionBatchSize:  500,
		OutboxSentRetention: 72 * time.Hour,

		ExpirySweepInterval: time.Minute,
		ExpiryBatchSize:     100,
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем .env,
// затем YAML-файл (path или STOREFRONT_CONFIG), затем переменные STOREFRONT_*.
// Вложенность в именах переменных задаётся через "__": STOREFRONT_POSTGRES__DSN.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey превращает STOREFRONT_POSTGRES__DSN в postgres.dsn.
func envKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	if s == "CONFIG" {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres.dsn is required for postgres storage"))
		}
	case StorageDriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			errs = append(errs, errors.New("mongo.uri is required for mongo storage"))
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			errs = append(errs, errors.New("mongo.database is required for mongo storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q (use memory|postgres|mongo)", c.StorageDriver))
	}

	if !c.PaymentsMock && c.StripeSecretKey == "" && (c.RedirectTmnCode == "" || c.RedirectHashSecret == "") {
		errs = append(errs, errors.New("no payment provider configured: set stripe.secret_key or redirect.tmn_code/hash_secret, or enable payments.mock"))
	}
	if _, err := money.NormalizeCurrency(c.DefaultCurrency); err != nil {
		errs = append(errs, fmt.Errorf("checkout.default_currency: %w", err))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("payments.gateway_timeout must be positive"))
	}
	if c.PaymentConfirmTimeout <= 0 {
		errs = append(errs, errors.New("payments.confirm_timeout must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.PaymentAttemptTTL <= 0 {
		errs = append(errs, errors.New("payments.attempt_ttl must be positive"))
	}
	if c.OutboxSentRetention < 0 {
		errs = append(errs, errors.New("retention.outbox_sent must not be negative"))
	}
	if c.RedirectTimezone != "" {
		if _, err := time.LoadLocation(c.RedirectTimezone); err != nil {
			errs = append(errs, fmt.Errorf("redirect.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c Config) kafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
