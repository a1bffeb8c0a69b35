package domain

import (
	"strings"
	"time"
)

// maxTimelineReason - длиннее причина обрезается: туда попадают тексты ошибок провайдеров.
const maxTimelineReason = 500

// TimelineEvent - запись истории заказа для GET /orders/:id/timeline.
// Status - статус заказа после события.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Status   OrderStatus
	Reason   string
	Occurred time.Time
}

// NewTimelineEvent фиксирует событие по текущему состоянию заказа.
func NewTimelineEvent(order Order, eventType, reason string, at time.Time) TimelineEvent {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxTimelineReason {
		reason = strings.ToValidUTF8(reason[:maxTimelineReason], "")
	}
	return TimelineEvent{
		OrderID:  order.ID,
		Type:     eventType,
		Status:   order.Status,
		Reason:   reason,
		Occurred: at.UTC(),
	}
}

func (e TimelineEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.OrderID) == "":
		return NewValidationError("orderId", "timeline event needs an order id")
	case strings.TrimSpace(e.Type) == "":
		return NewValidationError("type", "timeline event needs a type")
	}
	return nil
}
