package domain

import (
	"context"
	"time"
)

// OutboxPublisher доставляет сообщение во внешний брокер. Повторная доставка
// того же ID допустима: потребители дедуплицируют по x-message-id.
type OutboxPublisher interface {
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository пишет события в outbox и ведёт их по статусам.
type OutboxRepository interface {
	// Enqueue присваивает ID, если он пуст, и сохраняет сообщение как pending.
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// PullPending отдаёт pending-сообщения в порядке записи, не захватывая их.
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPurger чистит только sent: pending и failed остаются до ручного разбора.
type OutboxPurger interface {
	DeleteSent(ctx context.Context, before time.Time, limit int) (int, error)
}

// PaymentAttemptPurger реализуют хранилища без собственного TTL.
type PaymentAttemptPurger interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository - хранилище ключей Idempotency-Key.
// Отказ CreateProcessing распознаётся через IsIdempotencyConflict.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
