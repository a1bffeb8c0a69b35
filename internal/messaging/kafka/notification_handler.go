package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// NotificationProcessor применяет подтверждение оплаты к заказу.
type NotificationProcessor interface {
	HandlePaymentNotification(ctx context.Context, n domain.PaymentNotification) (domain.Order, error)
}

// NewPaymentNotificationHandler возвращает MessageHandler для TopicPaymentNotifications.
// Ошибки, которые не исправятся повтором, помечаются как PermanentError.
func NewPaymentNotificationHandler(processor NotificationProcessor, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-notification-consumer")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		notification, err := ParsePaymentNotification(message)
		if err != nil {
			return Permanent(err)
		}

		order, err := processor.HandlePaymentNotification(ctx, notification)
		if err != nil {
			if isPermanentNotificationError(err) {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
			"outcome":  notification.Outcome,
		}).Info("payment notification applied")
		return nil
	}
}

func isPermanentNotificationError(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrPaymentAmountMismatch) ||
		errors.Is(err, domain.ErrPaymentReferenceAlreadySet)
}
