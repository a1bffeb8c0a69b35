package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents          = "storefront.order.events"
	TopicPaymentNotifications = "storefront.payment.notifications"
	TopicDeadLetterQueue      = "storefront.dlq" // Dead Letter Queue для failed messages
)

// Заголовки сообщений.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	// HeaderEventType и HeaderMessageID позволяют фильтровать и дедуплицировать без разбора тела.
	HeaderEventType = "x-event-type"
	HeaderMessageID = "x-message-id"
)

// OrderEventEnvelope - формат сообщения, которое outbox публикует в TopicOrderEvents.
type OrderEventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ConsumerDeadLetter - запись, которую Consumer кладёт в DLQ, когда обработка не удалась.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	Permanent         bool      `json:"permanent"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// PaymentNotificationMessage - подтверждение оплаты, пришедшее через брокер
// (например, от отдельного сервиса приёма webhook-ов).
type PaymentNotificationMessage struct {
	OrderID     string `json:"order_id"`
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
	Outcome     string `json:"outcome"`
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason,omitempty"`
}

// ToDomain приводит сообщение к domain.PaymentNotification.
func (m PaymentNotificationMessage) ToDomain() domain.PaymentNotification {
	return domain.PaymentNotification{
		OrderID:     strings.TrimSpace(m.OrderID),
		Provider:    domain.PaymentMethod(strings.ToLower(strings.TrimSpace(m.Provider))),
		Reference:   strings.TrimSpace(m.Reference),
		Outcome:     domain.PaymentOutcome(strings.ToLower(strings.TrimSpace(m.Outcome))),
		AmountMinor: m.AmountMinor,
		Reason:      m.Reason,
	}
}

// ParseOrderEventEnvelope парсит outbox-сообщение из TopicOrderEvents.
func ParseOrderEventEnvelope(message *sarama.ConsumerMessage) (*OrderEventEnvelope, error) {
	var envelope OrderEventEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return &envelope, nil
}

// ParsePaymentNotification парсит и проверяет уведомление об оплате.
func ParsePaymentNotification(message *sarama.ConsumerMessage) (domain.PaymentNotification, error) {
	var payload PaymentNotificationMessage
	if err := json.Unmarshal(message.Value, &payload); err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("failed to unmarshal payment notification: %w", err)
	}
	notification := payload.ToDomain()
	if err := notification.Validate(); err != nil {
		return domain.PaymentNotification{}, err
	}
	return notification, nil
}
