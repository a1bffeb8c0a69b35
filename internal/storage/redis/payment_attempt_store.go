package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	keyPrefix  = "storefront:payment-attempt:"
	defaultTTL = 24 * time.Hour
)

// PaymentAttemptStore хранит результаты initiate() в Redis с ограниченным сроком жизни.
type PaymentAttemptStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewPaymentAttemptStore создаёт хранилище; ttl <= 0 заменяется на сутки.
func NewPaymentAttemptStore(rdb redis.UniversalClient, ttl time.Duration) *PaymentAttemptStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PaymentAttemptStore{rdb: rdb, ttl: ttl}
}

// Connect открывает клиента и проверяет доступность сервера.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *PaymentAttemptStore) Get(ctx context.Context, key string) (domain.PaymentResult, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PaymentResult{}, domain.ErrPaymentAttemptNotFound
	}
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("get payment attempt: %w", err)
	}

	var result domain.PaymentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("unmarshal payment attempt: %w", err)
	}
	return result, nil
}

// Put записывает результат через SETNX; проигравший конкурент получает сохранённое значение.
func (s *PaymentAttemptStore) Put(ctx context.Context, key string, result domain.PaymentResult) (domain.PaymentResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("marshal payment attempt: %w", err)
	}

	stored, err := s.rdb.SetNX(ctx, keyPrefix+key, raw, s.ttl).Result()
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("setnx payment attempt: %w", err)
	}
	if stored {
		return result, nil
	}
	return s.Get(ctx, key)
}

var _ domain.PaymentAttemptStore = (*PaymentAttemptStore)(nil)
