package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentAttemptRepository struct {
	db *sql.DB
}

// NewPaymentAttemptStore создаёт PostgreSQL-реализацию PaymentAttemptStore.
// Устаревшие строки удаляет retention-воркер через domain.PaymentAttemptPurger.
func NewPaymentAttemptStore(store *Store) domain.PaymentAttemptStore {
	return &paymentAttemptRepository{db: store.DB()}
}

func (r *paymentAttemptRepository) Get(ctx context.Context, key string) (domain.PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT result
		FROM payment_attempts
		WHERE key = $1
	`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentResult{}, domain.ErrPaymentAttemptNotFound
		}
		return domain.PaymentResult{}, fmt.Errorf("select payment attempt: %w", err)
	}

	var result domain.PaymentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("unmarshal payment attempt: %w", err)
	}
	return result, nil
}

// Put фиксирует первый результат по ключу; конкурентные записи получают уже сохранённое значение.
func (r *paymentAttemptRepository) Put(ctx context.Context, key string, result domain.PaymentResult) (domain.PaymentResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("marshal payment attempt: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(execCtx, `
		INSERT INTO payment_attempts (key, provider, result, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (key) DO NOTHING
	`, key, string(result.Provider), raw); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("insert payment attempt: %w", err)
	}

	return r.Get(ctx, key)
}

// DeleteExpired удаляет попытки, сохранённые не позже before.
func (r *paymentAttemptRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM payment_attempts
		WHERE key IN (
			SELECT key FROM payment_attempts
			WHERE created_at <= $1
			ORDER BY created_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired payment attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired payment attempts: %w", err)
	}
	return int(n), nil
}

var (
	_ domain.PaymentAttemptStore  = (*paymentAttemptRepository)(nil)
	_ domain.PaymentAttemptPurger = (*paymentAttemptRepository)(nil)
)
