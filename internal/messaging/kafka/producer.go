package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var producedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_produced_total",
	Help: "Messages sent to Kafka by topic and result.",
}, []string{"topic", "result"})

// Record - сообщение для отправки.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer - синхронный idempotent producer поверх sarama.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// NewProducer подключается к брокерам. Подтверждение ждёт все in-sync реплики,
// idempotent-режим исключает дубли при ретраях самого producer.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer.
func NewProducerFromSync(producer sarama.SyncProducer) *Producer {
	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
		now:      time.Now,
	}
}

// Send публикует запись, добавляя в заголовки trace context из ctx.
func (p *Producer) Send(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:     rec.Topic,
		Key:       sarama.StringEncoder(rec.Key),
		Value:     sarama.ByteEncoder(rec.Value),
		Timestamp: p.now(),
	}
	for k, v := range injectTrace(ctx, rec.Headers) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	logger := p.logger.WithFields(log.Fields{"topic": rec.Topic, "key": rec.Key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		producedMessages.WithLabelValues(rec.Topic, "error").Inc()
		logger.WithError(err).Error("failed to send message to kafka")
		return fmt.Errorf("send to %s: %w", rec.Topic, err)
	}
	producedMessages.WithLabelValues(rec.Topic, "ok").Inc()
	logger.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("message sent to kafka")
	return nil
}

// PublishEvent сериализует event в JSON и публикует в topic.
func (p *Producer) PublishEvent(topic, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}
	return p.Send(context.Background(), Record{Topic: topic, Key: key, Value: value})
}

// PublishRaw публикует готовое значение с заголовками без контекста запроса.
func (p *Producer) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	return p.Send(context.Background(), Record{Topic: topic, Key: key, Value: value, Headers: headers})
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
