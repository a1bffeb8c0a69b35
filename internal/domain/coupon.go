package domain

import (
	"context"
	"time"
)

// DiscountType определяет способ расчёта скидки.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Coupon - запись о скидочном коде. Ядро её только читает.
type Coupon struct {
	Code         string
	DiscountType DiscountType
	// DiscountAmount - процент для percentage или сумма в минимальных единицах для fixed.
	DiscountAmount int64
	ValidFrom      time.Time
	ValidUntil     time.Time
	Active         bool
}

// ActiveAt сообщает, попадает ли момент now в окно действия купона.
// Нулевые границы окна считаются открытыми.
func (c Coupon) ActiveAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && !now.Before(c.ValidUntil) {
		return false
	}
	return true
}

// CouponRepository - коллаборатор для поиска купонов.
type CouponRepository interface {
	// FindByCode возвращает купон или ErrCouponNotFound.
	FindByCode(ctx context.Context, code string) (Coupon, error)
}
