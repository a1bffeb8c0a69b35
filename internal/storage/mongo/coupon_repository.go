package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CouponRepository - справочник купонов в коллекции coupons.
type CouponRepository struct {
	coll *mongo.Collection
}

// NewCouponRepository создаёт MongoDB-реализацию CouponRepository.
func NewCouponRepository(store *Store) *CouponRepository {
	return &CouponRepository{coll: store.Database().Collection(couponsCollection)}
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc couponDocument
	if err := r.coll.FindOne(ctx, bson.M{"_id": normalizeCouponCode(code)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Coupon{}, domain.ErrCouponNotFound
		}
		return domain.Coupon{}, fmt.Errorf("find coupon: %w", err)
	}
	return doc.toDomain(), nil
}

// Upsert добавляет или заменяет купон.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := toCouponDocument(coupon)
	if _, err := r.coll.ReplaceOne(ctx, bson.M{"_id": doc.Code}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ domain.CouponRepository = (*CouponRepository)(nil)
