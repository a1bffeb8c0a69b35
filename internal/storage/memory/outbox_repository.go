package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxEntry struct {
	msg      domain.OutboxMessage
	status   domain.OutboxStatus
	attempts int
	created  time.Time
	settled  time.Time
}

// OutboxRepository хранит сообщения в порядке Enqueue; часы монотонны,
// поэтому порядок среза совпадает с порядком created_at.
type OutboxRepository struct {
	mu      sync.RWMutex
	entries []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = slices.Clone(msg.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &outboxEntry{msg: msg, status: domain.OutboxPending, created: r.now()}
	if old, ok := r.byID[msg.ID]; ok {
		// Повтор ID заменяет запись, как upsert.
		r.entries = slices.DeleteFunc(r.entries, func(e *outboxEntry) bool { return e == old })
	}
	r.entries = append(r.entries, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = domain.DefaultOutboxBatch
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	batch := []domain.OutboxMessage{}
	for _, e := range r.entries {
		if len(batch) == limit {
			break
		}
		if e.status == domain.OutboxPending {
			batch = append(batch, e.msg)
		}
	}
	return batch, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		switch e.status {
		case domain.OutboxPending:
			if stats.PendingCount == 0 {
				stats.OldestPendingAt = e.created
			}
			stats.PendingCount++
		case domain.OutboxFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, domain.OutboxSent)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.settle(ctx, id, domain.OutboxFailed)
}

func (r *OutboxRepository) settle(ctx context.Context, id string, status domain.OutboxStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	e.status = status
	e.attempts++
	e.settled = r.now()
	return nil
}

// DeleteSent: limit <= 0 удаляет всё подходящее за один вызов.
func (r *OutboxRepository) DeleteSent(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Старейшие отправки первыми, как ORDER BY updated_at в postgres.
	var victims []*outboxEntry
	for _, e := range r.entries {
		if e.status == domain.OutboxSent && !e.settled.After(before) {
			victims = append(victims, e)
		}
	}
	slices.SortStableFunc(victims, func(a, b *outboxEntry) int { return a.settled.Compare(b.settled) })
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}

	gone := make(map[*outboxEntry]bool, len(victims))
	for _, e := range victims {
		gone[e] = true
		delete(r.byID, e.msg.ID)
	}
	r.entries = slices.DeleteFunc(r.entries, func(e *outboxEntry) bool { return gone[e] })
	return len(victims), nil
}

// AllPending - снимок очереди для тестов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	var pending []domain.OutboxMessage
	for _, e := range r.snapshot() {
		if e.status == domain.OutboxPending {
			pending = append(pending, e.msg)
		}
	}
	return pending
}

// ByEventType ищет сообщения типа eventType в любом статусе.
func (r *OutboxRepository) ByEventType(eventType string) []domain.OutboxMessage {
	var found []domain.OutboxMessage
	for _, e := range r.snapshot() {
		if e.msg.EventType == eventType {
			found = append(found, e.msg)
		}
	}
	return found
}

func (r *OutboxRepository) snapshot() []outboxEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]outboxEntry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

var (
	_ domain.OutboxRepository = (*OutboxRepository)(nil)
	_ domain.OutboxPurger     = (*OutboxRepository)(nil)
)
