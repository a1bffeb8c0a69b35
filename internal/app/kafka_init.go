package app

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// messaging - Kafka-часть процесса. Без брокеров оба поля nil: события
// уходят в лог, уведомления приходят только через HTTP.
type messaging struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	logger   *log.Entry
}

// initMessaging не возвращает ошибку: недоступный брокер отключает Kafka, но не сервис.
func initMessaging(cfg Config, processor kafka.NotificationProcessor, logger *log.Entry) *messaging {
	m := &messaging{logger: logger.WithField("component", "kafka")}
	brokers := cfg.kafkaBrokers()
	if len(brokers) == 0 {
		m.logger.Info("kafka brokers are not configured, order events go to the log")
		return m
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		m.logger.WithError(err).Warn("kafka producer is disabled")
		return m
	}
	m.producer = producer
	m.logger.WithField("brokers", brokers).Info("kafka producer initialized")

	if cfg.KafkaNotificationsTopic == "" {
		return m
	}
	m.consumer, err = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    brokers,
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{cfg.KafkaNotificationsTopic},
		DLQTopic:   cfg.KafkaDLQTopic,
		MaxRetries: cfg.KafkaMaxRetries,
	}, kafka.NewPaymentNotificationHandler(processor, logger.WithField("component", "payment-notification-consumer")), producer)
	if err != nil {
		m.logger.WithError(err).Warn("payment notification consumer is disabled")
		m.consumer = nil
	}
	return m
}

// publishers возвращает паблишер событий и паблишер DLQ (nil без Kafka).
func (m *messaging) publishers(cfg Config) (events, dlq domain.OutboxPublisher) {
	if m.producer == nil {
		return logPublisher{logger: log.WithField("component", "order-events")}, nil
	}
	ev, dead := kafka.NewOutboxPublisher(m.producer, cfg.KafkaEventsTopic), kafka.NewOutboxPublisher(m.producer, cfg.KafkaDLQTopic)
	m.logger.WithFields(log.Fields{"topic": ev.Topic(), "dlq_topic": dead.Topic()}).Info("outbox publishes to kafka")
	return ev, dead
}

// start запускает consumer и регистрирует его остановку в g.
func (m *messaging) start(ctx context.Context, g *errgroup.Group) {
	if m.consumer == nil {
		return
	}
	if err := m.consumer.Start(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to start payment notification consumer")
		return
	}
	g.Go(func() error {
		<-ctx.Done()
		return m.consumer.Stop()
	})
}

func (m *messaging) close() {
	if m.producer == nil {
		return
	}
	if err := m.producer.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	m.logger.Info("kafka producer closed")
}

// logPublisher помечает события отправленными, записав их в лог, чтобы outbox без Kafka не рос.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event":      event.EventType,
		"order_id":   event.AggregateID,
		"message_id": event.ID,
	}).Debug("order event")
	return nil
}
