package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentAttempt struct {
	result    domain.PaymentResult
	createdAt time.Time
}

// PaymentAttemptStore хранит результаты initiate() в памяти процесса.
type PaymentAttemptStore struct {
	mu    sync.Mutex
	items map[string]paymentAttempt
	now   func() time.Time
}

// NewPaymentAttemptStore создаёт пустое хранилище попыток оплаты.
func NewPaymentAttemptStore() *PaymentAttemptStore {
	return &PaymentAttemptStore{
		items: make(map[string]paymentAttempt),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get возвращает сохранённый результат или ErrPaymentAttemptNotFound.
func (s *PaymentAttemptStore) Get(ctx context.Context, key string) (domain.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.items[key]
	if !ok {
		return domain.PaymentResult{}, domain.ErrPaymentAttemptNotFound
	}
	return attempt.result, nil
}

// Put сохраняет результат, если ключ свободен, и возвращает значение, оказавшееся в хранилище.
func (s *PaymentAttemptStore) Put(ctx context.Context, key string, result domain.PaymentResult) (domain.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok {
		return existing.result, nil
	}
	s.items[key] = paymentAttempt{result: result, createdAt: s.now()}
	return result, nil
}

// DeleteExpired удаляет попытки, сохранённые не позже before.
func (s *PaymentAttemptStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, attempt := range s.items {
		if attempt.createdAt.After(before) {
			continue
		}
		delete(s.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

// Len возвращает количество сохранённых попыток.
func (s *PaymentAttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

var (
	_ domain.PaymentAttemptStore  = (*PaymentAttemptStore)(nil)
	_ domain.PaymentAttemptPurger = (*PaymentAttemptStore)(nil)
)
