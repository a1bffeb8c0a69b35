package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation - общий признак пользовательской ошибки входных данных (400).
	ErrValidation = errors.New("validation failed")
	// ErrUserRequired - у заказа нет идентификатора покупателя.
	ErrUserRequired = errors.New("userId is required")
	// ErrCurrencyRequired - не указан код валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// ErrShippingAddressRequired - не заполнен адрес доставки.
	ErrShippingAddressRequired = errors.New("shippingAddress is required")
	// ErrPaymentMethodInvalid - способ оплаты не входит в поддерживаемый набор.
	ErrPaymentMethodInvalid = errors.New("paymentMethod is not supported")
	// ErrInvalidItems - пустой список позиций, qty <= 0 или отрицательная цена.
	ErrInvalidItems = errors.New("invalid items")
	// ErrAmountNegative - отрицательная итоговая сумма.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// ErrAmountMismatch - сумма заказа не совпадает с суммой позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// ErrDiscountExceedsTotal - скидка больше суммы заказа.
	ErrDiscountExceedsTotal = errors.New("discount exceeds total price")
	// ErrAmountOverflow - переполнение при расчёте суммы в минимальных единицах.
	ErrAmountOverflow = errors.New("amount overflows int64 minor units")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists - заказ с таким ID уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInvalidTransition - переход статуса не разрешён машиной состояний.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrPaymentReferenceAlreadySet - paymentReference уже записан и не может быть перезаписан.
	ErrPaymentReferenceAlreadySet = errors.New("payment reference is already set")

	// ErrCouponNotFound - купон с указанным кодом отсутствует.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExpired - купон вне окна действия или деактивирован.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponInvalid - купон с некорректным типом или размером скидки.
	ErrCouponInvalid = errors.New("coupon is invalid")

	// ErrPaymentInitiationFailed - провайдер не смог создать платёж; заказ остаётся pending.
	ErrPaymentInitiationFailed = errors.New("payment initiation failed")
	// ErrPaymentProviderUnknown - для способа оплаты не зарегистрирован шлюз.
	ErrPaymentProviderUnknown = errors.New("payment provider is not configured")
	// ErrPaymentSignatureInvalid - подпись уведомления провайдера не прошла проверку.
	ErrPaymentSignatureInvalid = errors.New("payment notification signature is invalid")
	// ErrPaymentAmountMismatch - сумма в уведомлении не совпадает с суммой заказа.
	ErrPaymentAmountMismatch = errors.New("payment notification amount mismatch")
	// ErrPaymentAttemptNotFound - в хранилище нет попытки инициации с таким ключом.
	ErrPaymentAttemptNotFound = errors.New("payment attempt not found")
	// ErrPaymentAttemptMismatch - ключ инициации уже использован для другой суммы или валюты.
	ErrPaymentAttemptMismatch = errors.New("payment attempt key was used for a different request")
	// ErrPersistenceInconsistency - провайдер принял платёж, но статус заказа не записан.
	ErrPersistenceInconsistency = errors.New("persistence inconsistency")

	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ValidationError описывает ошибку конкретного поля запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is позволяет сопоставлять ошибку с ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InvalidTransitionError хранит исходный и целевой статусы запрещённого перехода.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition from %q to %q", e.From, e.To)
}

// Is позволяет сопоставлять ошибку с ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PaymentInitiationError оборачивает ошибку провайдера при создании платежа.
type PaymentInitiationError struct {
	Provider PaymentMethod
	Err      error
}

func (e *PaymentInitiationError) Error() string {
	return fmt.Sprintf("payment initiation failed (provider=%s): %v", e.Provider, e.Err)
}

// Is позволяет сопоставлять ошибку с ErrPaymentInitiationFailed.
func (e *PaymentInitiationError) Is(target error) bool {
	return target == ErrPaymentInitiationFailed
}

func (e *PaymentInitiationError) Unwrap() error {
	return e.Err
}

// PersistenceInconsistencyError фиксирует расхождение с провайдером, требующее ручной сверки.
type PersistenceInconsistencyError struct {
	OrderID   string
	Provider  PaymentMethod
	Reference string
	Err       error
}

func (e *PersistenceInconsistencyError) Error() string {
	return fmt.Sprintf("order %s accepted by %s (reference=%q) but status was not persisted: %v",
		e.OrderID, e.Provider, e.Reference, e.Err)
}

// Is позволяет сопоставлять ошибку с ErrPersistenceInconsistency.
func (e *PersistenceInconsistencyError) Is(target error) bool {
	return target == ErrPersistenceInconsistency
}

func (e *PersistenceInconsistencyError) Unwrap() error {
	return e.Err
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ уже использован (с тем же или другим телом запроса).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
