package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderRepository держит заказы в map, а порядок выдачи (новые первыми) -
// в отдельном отсортированном срезе, чтобы List не сортировал всё на каждый вызов.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	recent []orderKey
}

type orderKey struct {
	created time.Time
	id      string
}

// newestFirst совпадает с ORDER BY created_at DESC, id DESC в postgres.
func newestFirst(a, b orderKey) int {
	if c := b.created.Compare(a.created); c != 0 {
		return c
	}
	return cmp.Compare(b.id, a.id)
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.orders[order.ID]; taken {
		return domain.ErrOrderAlreadyExists
	}
	r.orders[order.ID] = detach(order)

	key := orderKey{created: order.CreatedAt, id: order.ID}
	at, _ := slices.BinarySearchFunc(r.recent, key, newestFirst)
	r.recent = slices.Insert(r.recent, at, key)
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return detach(order), nil
}

func (r *OrderRepository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	return r.collect(ctx, limit, nil)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.collect(ctx, limit, func(o domain.Order) bool { return o.UserID == userID })
}

// ListStale: строго раньше before, от давно не обновлявшихся к свежим.
func (r *OrderRepository) ListStale(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	stale, err := r.collect(ctx, 0, func(o domain.Order) bool {
		return o.Status == status && o.UpdatedAt.Before(before)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(stale, func(a, b domain.Order) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Save принимает заказ только той версии, что лежит в хранилище, и увеличивает её.
// Позиции и время создания не меняются, как и в postgres.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[order.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case current.Version != order.Version:
		return domain.ErrOrderVersionConflict
	}

	current.Status = order.Status
	current.PaymentReference = order.PaymentReference
	current.RedirectURL = order.RedirectURL
	current.UpdatedAt = order.UpdatedAt
	current.Version++
	r.orders[order.ID] = current
	return nil
}

func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	delete(r.orders, id)
	if at, found := slices.BinarySearchFunc(r.recent, orderKey{created: order.CreatedAt, id: id}, newestFirst); found {
		r.recent = slices.Delete(r.recent, at, at+1)
	}
	return nil
}

// collect обходит заказы от новых к старым; keep == nil пропускает всё.
func (r *OrderRepository) collect(ctx context.Context, limit int, keep func(domain.Order) bool) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []domain.Order{}
	for _, key := range r.recent {
		if limit > 0 && len(out) == limit {
			break
		}
		order := r.orders[key.id]
		if keep != nil && !keep(order) {
			continue
		}
		out = append(out, detach(order))
	}
	return out, nil
}

// detach копирует позиции, чтобы вызывающий не менял хранимый заказ через общий срез.
func detach(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
