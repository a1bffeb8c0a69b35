package domain

import (
	"context"
	"time"
)

// PaymentCustomer - данные покупателя, передаваемые провайдеру.
type PaymentCustomer struct {
	Email   string
	Name    string
	Phone   string
	Address Address
}

// PaymentRequest описывает запрос на создание платежа у провайдера.
type PaymentRequest struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Description string
	Customer    PaymentCustomer
	ReturnURL   string
	NotifyURL   string
	ClientIP    string
	// CreatedAt - время создания заказа; от него redirect-провайдер считает дату и срок ссылки.
	CreatedAt time.Time
	// IdempotencyKey стабилен для заказа, повторный вызов не создаёт второй платёж.
	IdempotencyKey string
}

// PaymentResult - непрозрачный набор данных, который клиент передаёт SDK провайдера
// или использует для редиректа. Заполнены поля, специфичные для провайдера.
type PaymentResult struct {
	Provider PaymentMethod
	// Reference - идентификатор у провайдера (intent id); пуст для redirect-потока до callback.
	Reference          string
	ClientSecret       string
	EphemeralSecret    string
	ProviderCustomerID string
	PublishableKey     string
	RedirectURL        string
	// RequestHash - отпечаток запроса, под который сохранён результат; клиенту не отдаётся.
	RequestHash string
}

// PaymentGateway - единый контракт над разнородными провайдерами.
// Initiate гарантирует только создание платежа, но не списание средств.
type PaymentGateway interface {
	Provider() PaymentMethod
	Initiate(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

// PaymentOutcome - результат платежа, сообщённый провайдером.
type PaymentOutcome string

const (
	PaymentOutcomeSucceeded PaymentOutcome = "succeeded"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
)

// PaymentNotification - входящее подтверждение от провайдера (webhook, IPN, событие из Kafka).
type PaymentNotification struct {
	OrderID   string
	Provider  PaymentMethod
	Reference string
	Outcome   PaymentOutcome
	// AmountMinor - сумма из уведомления; 0 означает, что провайдер её не передал.
	AmountMinor int64
	Reason      string
}

// Validate проверяет обязательные поля уведомления.
func (n PaymentNotification) Validate() error {
	if n.OrderID == "" {
		return NewValidationError("orderId", "is required")
	}
	switch n.Outcome {
	case PaymentOutcomeSucceeded, PaymentOutcomeFailed:
	default:
		return NewValidationError("outcome", "unknown payment outcome "+string(n.Outcome))
	}
	return nil
}

// PaymentAttempt фиксирует результат initiate() под ключом идемпотентности.
type PaymentAttempt struct {
	Key    string
	Result PaymentResult
}

// PaymentAttemptStore хранит результаты успешных initiate() для повторов с тем же ключом.
type PaymentAttemptStore interface {
	// Get возвращает сохранённый результат или ErrPaymentAttemptNotFound.
	Get(ctx context.Context, key string) (PaymentResult, error)
	// Put сохраняет результат, если по ключу ещё ничего нет; возвращает актуальное значение.
	Put(ctx context.Context, key string, result PaymentResult) (PaymentResult, error)
}
