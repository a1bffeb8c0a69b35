// Package pricing считает стоимость заказа в минимальных денежных единицах.
package pricing

import (
	"fmt"
	"math"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ComputeTotal возвращает сумму unitPrice*quantity по всем позициям.
// Пустой список, quantity <= 0 и отрицательная цена дают ErrInvalidItems.
func ComputeTotal(items []domain.OrderItem) (int64, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: order must contain at least one item", domain.ErrInvalidItems)
	}

	var total int64
	for i, item := range items {
		if item.Quantity <= 0 {
			return 0, fmt.Errorf("%w: item %d has non-positive quantity %d", domain.ErrInvalidItems, i, item.Quantity)
		}
		if item.UnitPriceMinor < 0 {
			return 0, fmt.Errorf("%w: item %d has negative price %d", domain.ErrInvalidItems, i, item.UnitPriceMinor)
		}

		qty := int64(item.Quantity)
		if item.UnitPriceMinor > 0 && qty > math.MaxInt64/item.UnitPriceMinor {
			return 0, fmt.Errorf("%w: item %d", domain.ErrAmountOverflow, i)
		}
		line := item.UnitPriceMinor * qty
		if total > math.MaxInt64-line {
			return 0, fmt.Errorf("%w: items sum", domain.ErrAmountOverflow)
		}
		total += line
	}
	return total, nil
}

// OrderTotal вычитает скидку из суммы позиций. Скидка больше суммы - ошибка.
func OrderTotal(totalPrice, discount int64) (int64, error) {
	if totalPrice < 0 || discount < 0 {
		return 0, domain.ErrAmountNegative
	}
	if discount > totalPrice {
		return 0, domain.ErrDiscountExceedsTotal
	}
	return totalPrice - discount, nil
}
