package domain

import "strings"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending - заказ сохранён, платёж ещё не создан у провайдера.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaymentInitiated - провайдер принял запрос, подтверждение ещё не пришло.
	OrderStatusPaymentInitiated OrderStatus = "payment_initiated"
	// OrderStatusPaid - провайдер подтвердил оплату.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFulfilling - заказ собирается и отправляется.
	OrderStatusFulfilling OrderStatus = "fulfilling"
	// OrderStatusCompleted - заказ доставлен.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled - заказ отменён до оплаты.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusPaymentFailed - провайдер сообщил об отказе или истекло время ожидания.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

// transitions - разрешённые рёбра машины состояний.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:          {OrderStatusPaymentInitiated, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusPaymentInitiated: {OrderStatusPaid, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusPaid:             {OrderStatusFulfilling},
	OrderStatusFulfilling:       {OrderStatusCompleted},
}

// Valid проверяет, что статус относится к известным значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaymentInitiated, OrderStatusPaid, OrderStatusFulfilling,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает статус из внешнего ввода.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if raw == "" {
		return "", NewValidationError("orderStatus", "is required")
	}
	if !status.Valid() {
		return "", NewValidationError("orderStatus", "unknown status "+raw)
	}
	return status, nil
}

// CanTransition проверяет наличие ребра from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает InvalidTransitionError для любого ребра вне таблицы.
func ValidateTransition(from, to OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}

// ValidateAdminTransition - подмножество таблицы, доступное оператору: отгрузка,
// завершение и отмена. Платёжные рёбра меняет только провайдер.
func ValidateAdminTransition(from, to OrderStatus) error {
	switch to {
	case OrderStatusFulfilling, OrderStatusCompleted, OrderStatusCancelled:
		return ValidateTransition(from, to)
	default:
		return &InvalidTransitionError{From: from, To: to}
	}
}

// IsNoopTransition - повторное подтверждение оплаты уже оплаченного заказа.
func IsNoopTransition(from, to OrderStatus) bool {
	return from == OrderStatusPaid && to == OrderStatusPaid
}

// AllowedTransitions возвращает копию списка допустимых следующих статусов.
func AllowedTransitions(from OrderStatus) []OrderStatus {
	next := transitions[from]
	result := make([]OrderStatus, len(next))
	copy(result, next)
	return result
}
