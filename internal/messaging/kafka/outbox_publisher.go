package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher is not initialized")

// TopicPublisher кладёт outbox-сообщения в один топик. Один экземпляр
// обслуживает события заказов, второй - DLQ outbox-воркера.
type TopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher: пустой topic - TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &TopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *TopicPublisher) Topic() string { return p.topic }

func (p *TopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	value, err := encodeEnvelope(event, p.now())
	if err != nil {
		return err
	}
	return p.producer.Send(ctx, Record{
		Topic:   p.topic,
		Key:     partitionKey(event),
		Value:   value,
		Headers: map[string]string{HeaderEventType: event.EventType, HeaderMessageID: event.ID},
	})
}

// partitionKey держит события одного заказа в одной партиции, а значит в порядке записи.
func partitionKey(event domain.OutboxMessage) string {
	if event.AggregateID != "" {
		return event.AggregateID
	}
	return event.ID
}

// encodeEnvelope встраивает payload как есть; пустой payload становится null.
func encodeEnvelope(event domain.OutboxMessage, at time.Time) ([]byte, error) {
	payload := json.RawMessage("null")
	if len(event.Payload) > 0 {
		if !json.Valid(event.Payload) {
			return nil, fmt.Errorf("outbox event %s has invalid json payload", event.ID)
		}
		payload = event.Payload
	}
	value, err := json.Marshal(OrderEventEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishedAt:   at,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", event.ID, err)
	}
	return value, nil
}

var _ domain.OutboxPublisher = (*TopicPublisher)(nil)
