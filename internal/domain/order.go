package domain

import (
	"errors"
	"strings"
	"time"
)

// PaymentMethod - идентификатор платёжного провайдера из закрытого набора.
type PaymentMethod string

const (
	// PaymentMethodStripe - карточный платёж через intent + ephemeral key.
	PaymentMethodStripe PaymentMethod = "stripe"
	// PaymentMethodVNPay - платёж через редирект на страницу регионального шлюза.
	PaymentMethodVNPay PaymentMethod = "vnpay"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodStripe, PaymentMethodVNPay:
		return true
	default:
		return false
	}
}

// ReportsAmount сообщает, что подтверждение провайдера обязано содержать сумму.
// Redirect-провайдер присылает её в каждом callback'е; Stripe сверяет сумму сам.
func (m PaymentMethod) ReportsAmount() bool {
	return m == PaymentMethodVNPay
}

// PaymentMethods возвращает все поддерживаемые способы оплаты.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{PaymentMethodStripe, PaymentMethodVNPay}
}

// Address - структурированный адрес доставки.
type Address struct {
	FullName   string
	Phone      string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// IsZero сообщает, что обязательные поля адреса не заполнены.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Street) == "" || strings.TrimSpace(a.City) == "" || strings.TrimSpace(a.Country) == ""
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ProductID - ссылка на товар каталога.
	ProductID string
	// ProductName - название на момент заказа, для отображения.
	ProductName string
	// Quantity - количество единиц товара.
	Quantity int32
	// UnitPriceMinor - снимок цены за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID               string
	UserID           string
	Items            []OrderItem
	CouponCode       string
	DiscountMinor    int64
	ShippingAddress  Address
	PaymentMethod    PaymentMethod
	Currency         string
	TotalPriceMinor  int64
	OrderTotalMinor  int64
	Status           OrderStatus
	PaymentReference string
	RedirectURL      string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ApplyPaymentReference записывает идентификатор провайдера. Повторная запись того же значения
// допустима, перезапись другим значением запрещена.
func (o *Order) ApplyPaymentReference(reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil
	}
	if o.PaymentReference == "" {
		o.PaymentReference = reference
		return nil
	}
	if o.PaymentReference == reference {
		return nil
	}
	return ErrPaymentReferenceAlreadySet
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.UserID) == "" {
		errs = append(errs, ErrUserRequired)
	}
	if strings.TrimSpace(o.Currency) == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if o.ShippingAddress.IsZero() {
		errs = append(errs, ErrShippingAddressRequired)
	}
	if !o.PaymentMethod.Valid() {
		errs = append(errs, ErrPaymentMethodInvalid)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrInvalidItems)
	}

	var calc int64
	for _, item := range o.Items {
		if item.Quantity <= 0 || item.UnitPriceMinor < 0 {
			errs = append(errs, ErrInvalidItems)
			continue
		}
		calc += int64(item.Quantity) * item.UnitPriceMinor
	}
	if calc != o.TotalPriceMinor {
		errs = append(errs, ErrAmountMismatch)
	}
	if o.OrderTotalMinor < 0 || o.DiscountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if o.OrderTotalMinor > o.TotalPriceMinor || o.TotalPriceMinor-o.DiscountMinor != o.OrderTotalMinor {
		errs = append(errs, ErrDiscountExceedsTotal)
	}
	if !o.Status.Valid() {
		errs = append(errs, &InvalidTransitionError{From: "", To: o.Status})
	}

	return errs
}

// Validate сворачивает результат ValidateInvariants в одну ошибку.
func (o *Order) Validate() error {
	return errors.Join(o.ValidateInvariants()...)
}
