package checkout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderEvent - полезная нагрузка outbox-сообщений заказа.
type OrderEvent struct {
	OrderID          string             `json:"order_id"`
	UserID           string             `json:"user_id"`
	Status           domain.OrderStatus `json:"status"`
	PreviousStatus   domain.OrderStatus `json:"previous_status,omitempty"`
	PaymentMethod    string             `json:"payment_method"`
	PaymentReference string             `json:"payment_reference,omitempty"`
	OrderTotalMinor  int64              `json:"order_total_minor"`
	Currency         string             `json:"currency"`
	Reason           string             `json:"reason,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at"`
}

// emit пишет событие в outbox и timeline. Ошибки логируются и не прерывают операцию.
func (s *Service) emit(ctx context.Context, order *domain.Order, eventType string, from domain.OrderStatus, reason string) {
	s.enqueue(ctx, order, eventType, from, reason)
	s.appendTimeline(ctx, *order, eventType, reason)
}

func (s *Service) enqueue(ctx context.Context, order *domain.Order, eventType string, from domain.OrderStatus, reason string) {
	if s.outbox == nil {
		return
	}
	payload, err := json.Marshal(OrderEvent{
		OrderID:          order.ID,
		UserID:           order.UserID,
		Status:           order.Status,
		PreviousStatus:   from,
		PaymentMethod:    string(order.PaymentMethod),
		PaymentReference: order.PaymentReference,
		OrderTotalMinor:  order.OrderTotalMinor,
		Currency:         order.Currency,
		Reason:           reason,
		OccurredAt:       s.now(),
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
	}
	if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Service) appendTimeline(ctx context.Context, order domain.Order, eventType, reason string) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, domain.NewTimelineEvent(order, eventType, reason, s.now())); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}
