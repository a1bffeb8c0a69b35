package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CouponRepository - in-memory справочник купонов.
type CouponRepository struct {
	mu    sync.RWMutex
	items map[string]domain.Coupon
}

// NewCouponRepository создаёт справочник, заполненный переданными купонами.
func NewCouponRepository(coupons ...domain.Coupon) *CouponRepository {
	repo := &CouponRepository{items: make(map[string]domain.Coupon, len(coupons))}
	for _, c := range coupons {
		repo.Upsert(c)
	}
	return repo
}

// Upsert добавляет или заменяет купон. Код нормализуется к верхнему регистру.
func (r *CouponRepository) Upsert(coupon domain.Coupon) {
	coupon.Code = normalizeCouponCode(coupon.Code)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[coupon.Code] = coupon
}

// FindByCode возвращает купон или ErrCouponNotFound.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return domain.Coupon{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	coupon, ok := r.items[normalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return coupon, nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ domain.CouponRepository = (*CouponRepository)(nil)
