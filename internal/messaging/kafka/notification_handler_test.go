package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type stubProcessor struct {
	err  error
	seen []domain.PaymentNotification
}

func (s *stubProcessor) HandlePaymentNotification(_ context.Context, n domain.PaymentNotification) (domain.Order, error) {
	s.seen = append(s.seen, n)
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return domain.Order{ID: n.OrderID, Status: domain.OrderStatusPaid}, nil
}

func notificationMessage(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicPaymentNotifications, Key: []byte("o-1"), Value: []byte(value)}
}

func TestPaymentNotificationHandler(t *testing.T) {
	valid := `{"order_id":"o-1","provider":"stripe","reference":"pi_1","outcome":"succeeded","amount_minor":1500}`

	t.Run("applies notification", func(t *testing.T) {
		processor := &stubProcessor{}
		handler := NewPaymentNotificationHandler(processor, nil)

		if err := handler(context.Background(), notificationMessage(valid)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(processor.seen) != 1 || processor.seen[0].Reference != "pi_1" {
			t.Fatalf("unexpected notifications: %+v", processor.seen)
		}
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		handler := NewPaymentNotificationHandler(&stubProcessor{}, nil)

		err := handler(context.Background(), notificationMessage("{"))
		var permanent *PermanentError
		if !errors.As(err, &permanent) {
			t.Fatalf("expected PermanentError, got %v", err)
		}
	})

	t.Run("business rejection is permanent", func(t *testing.T) {
		handler := NewPaymentNotificationHandler(&stubProcessor{err: domain.ErrPaymentAmountMismatch}, nil)

		err := handler(context.Background(), notificationMessage(valid))
		var permanent *PermanentError
		if !errors.As(err, &permanent) {
			t.Fatalf("expected PermanentError, got %v", err)
		}
		if !errors.Is(err, domain.ErrPaymentAmountMismatch) {
			t.Fatalf("expected wrapped ErrPaymentAmountMismatch, got %v", err)
		}
	})

	t.Run("storage failure is retried", func(t *testing.T) {
		handler := NewPaymentNotificationHandler(&stubProcessor{err: errors.New("db timeout")}, nil)

		err := handler(context.Background(), notificationMessage(valid))
		var permanent *PermanentError
		if err == nil || errors.As(err, &permanent) {
			t.Fatalf("expected retryable error, got %v", err)
		}
	})
}
