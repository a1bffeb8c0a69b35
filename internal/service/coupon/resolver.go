// Package coupon проверяет и применяет скидочные коды.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Resolver находит купон по коду и считает скидку.
type Resolver struct {
	repo   domain.CouponRepository
	now    func() time.Time
	logger *log.Entry
}

// Option настраивает Resolver.
type Option func(*Resolver)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver создаёт резолвер поверх репозитория купонов.
func NewResolver(repo domain.CouponRepository, opts ...Option) *Resolver {
	r := &Resolver{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "coupon-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve ищет купон и считает скидку от totalPrice. Пустой код даёт нулевую скидку.
// Возвращает нормализованный код, чтобы сохранить его в заказе.
func (r *Resolver) Resolve(ctx context.Context, code string, totalPrice int64) (string, int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", 0, nil
	}
	if r.repo == nil {
		return "", 0, fmt.Errorf("%w: %s", domain.ErrCouponNotFound, code)
	}

	c, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrCouponNotFound) {
			r.logger.WithField("coupon_code", code).Info("coupon not found")
		}
		return "", 0, err
	}

	discount, err := Apply(totalPrice, c, r.now())
	if err != nil {
		r.logger.WithError(err).WithField("coupon_code", code).Info("coupon rejected")
		return "", 0, err
	}
	return c.Code, discount, nil
}

// Apply считает скидку купона: percentage - round(total*pct/100), fixed - min(amount, total).
// Результат всегда в пределах [0, totalPrice].
func Apply(totalPrice int64, c domain.Coupon, now time.Time) (int64, error) {
	if totalPrice < 0 {
		return 0, domain.ErrAmountNegative
	}
	if !c.ActiveAt(now) {
		return 0, fmt.Errorf("%w: %s", domain.ErrCouponExpired, c.Code)
	}
	if c.DiscountAmount < 0 {
		return 0, fmt.Errorf("%w: negative discount amount", domain.ErrCouponInvalid)
	}

	switch c.DiscountType {
	case domain.DiscountTypePercentage:
		if c.DiscountAmount > 100 {
			return 0, fmt.Errorf("%w: percentage above 100", domain.ErrCouponInvalid)
		}
		amount := decimal.NewFromInt(totalPrice).
			Mul(decimal.NewFromInt(c.DiscountAmount)).
			Div(hundred).
			Round(0)
		return clamp(amount.IntPart(), totalPrice), nil
	case domain.DiscountTypeFixed:
		return clamp(c.DiscountAmount, totalPrice), nil
	default:
		return 0, fmt.Errorf("%w: unsupported discount type %q", domain.ErrCouponInvalid, c.DiscountType)
	}
}

func clamp(discount, total int64) int64 {
	if discount < 0 {
		return 0
	}
	if discount > total {
		return total
	}
	return discount
}
