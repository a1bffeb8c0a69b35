package domain

import "time"

// Типы событий заказа, публикуемых через outbox.
const (
	EventOrderCreated          = "order.created"
	EventOrderPaymentInitiated = "order.payment_initiated"
	EventOrderPaid             = "order.paid"
	EventOrderPaymentFailed    = "order.payment_failed"
	EventOrderStatusChanged    = "order.status_changed"
	EventOrderDeleted          = "order.deleted"
)

const AggregateTypeOrder = "order"

// DefaultOutboxBatch - сколько сообщений PullPending отдаёт при limit <= 0.
const DefaultOutboxBatch = 100

// OutboxStatus - состояние строки outbox. Из pending сообщение уходит ровно один раз.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxFailed - попытки исчерпаны, сообщение передано в DLQ.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxMessage - событие, записанное вместе с изменением агрегата и ждущее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats - срез backlog для метрик воркера.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}

// OldestPendingAge - возраст самого старого pending-сообщения; 0 при пустом backlog.
func (s OutboxStats) OldestPendingAge(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() {
		return 0
	}
	return max(now.Sub(s.OldestPendingAt), 0)
}
