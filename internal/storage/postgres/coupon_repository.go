package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CouponRepository - PostgreSQL-справочник купонов.
type CouponRepository struct {
	db *sql.DB
}

// NewCouponRepository создаёт PostgreSQL-реализацию CouponRepository.
func NewCouponRepository(store *Store) *CouponRepository {
	return &CouponRepository{db: store.DB()}
}

// FindByCode возвращает купон по коду без учёта регистра.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		coupon       domain.Coupon
		discountType string
		validFrom    sql.NullTime
		validUntil   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT code, discount_type, discount_amount, valid_from, valid_until, active
		FROM coupons
		WHERE code = $1
	`, normalizeCouponCode(code)).Scan(
		&coupon.Code,
		&discountType,
		&coupon.DiscountAmount,
		&validFrom,
		&validUntil,
		&coupon.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coupon{}, domain.ErrCouponNotFound
		}
		return domain.Coupon{}, fmt.Errorf("select coupon: %w", err)
	}

	coupon.DiscountType = domain.DiscountType(discountType)
	if validFrom.Valid {
		coupon.ValidFrom = validFrom.Time.UTC()
	}
	if validUntil.Valid {
		coupon.ValidUntil = validUntil.Time.UTC()
	}

	return coupon, nil
}

// Upsert добавляет или заменяет купон.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var validFrom, validUntil sql.NullTime
	if !coupon.ValidFrom.IsZero() {
		validFrom = sql.NullTime{Time: coupon.ValidFrom, Valid: true}
	}
	if !coupon.ValidUntil.IsZero() {
		validUntil = sql.NullTime{Time: coupon.ValidUntil, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO coupons (code, discount_type, discount_amount, valid_from, valid_until, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (code) DO UPDATE
		SET discount_type = EXCLUDED.discount_type,
		    discount_amount = EXCLUDED.discount_amount,
		    valid_from = EXCLUDED.valid_from,
		    valid_until = EXCLUDED.valid_until,
		    active = EXCLUDED.active
	`,
		normalizeCouponCode(coupon.Code),
		string(coupon.DiscountType),
		coupon.DiscountAmount,
		validFrom,
		validUntil,
		coupon.Active,
	); err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}

	return nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ domain.CouponRepository = (*CouponRepository)(nil)
