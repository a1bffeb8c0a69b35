package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// Результаты обработки для storefront_kafka_consumed_total.
const (
	consumedOK           = "ok"
	consumedRetry        = "retry"
	consumedDeadLettered = "dead_lettered"
	consumedFailed       = "failed"
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_consumed_total",
	Help: "Kafka messages handled by the consumer group, by topic and result.",
}, []string{"topic", "result"})

// MessageHandler обрабатывает одно сообщение. ctx несёт trace context продюсера.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// PermanentError помечает ошибку, которую бессмысленно повторять: сообщение сразу уходит в DLQ.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent оборачивает err в PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// deadLetterSink - часть Producer, нужная consumer.
type deadLetterSink interface {
	PublishRaw(topic, key string, value []byte, headers map[string]string) error
}

// ConsumerConfig задаёт параметры consumer group.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Topics     []string
	DLQTopic   string
	MaxRetries int
	// RetryDelay - пауза между попытками; 0 - значение по умолчанию, отрицательное - без паузы.
	RetryDelay time.Duration
	// FromOldest - читать новую группу с начала топика, а не с конца.
	FromOldest bool
}

// Consumer читает топики в consumer group, повторяет обработку и отправляет
// неуспешные сообщения в DLQ.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	dlq        deadLetterSink
	dlqTopic   string
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewConsumer подключается к брокерам. dlq может быть nil: тогда неуспешное сообщение
// не коммитится и будет перечитано после rebalance или рестарта.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, dlq *Producer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", cfg.GroupID, err)
	}

	c := newConsumer(group, cfg, handler)
	if dlq != nil {
		c.dlq = dlq
	}
	return c, nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     cfg.Topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		dlqTopic:   cfg.DLQTopic,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if c.dlqTopic == "" {
		c.dlqTopic = TopicDeadLetterQueue
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	switch {
	case c.retryDelay < 0:
		c.retryDelay = 0
	case c.retryDelay == 0:
		c.retryDelay = defaultRetryDelay
	}
	return c
}

// Start запускает чтение в фоне и сразу возвращается.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance, поэтому вызывается в цикле.
		for {
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consumer group session failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim коммитит сообщение, если оно обработано или сохранено в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(messageFields(message)).Error("message left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process возвращает nil, если сообщение можно коммитить.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.handleWithRetry(extractTrace(ctx, message), message)
	if err == nil {
		consumedMessages.WithLabelValues(message.Topic, consumedOK).Inc()
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	if c.dlq == nil {
		consumedMessages.WithLabelValues(message.Topic, consumedFailed).Inc()
		return err
	}
	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		consumedMessages.WithLabelValues(message.Topic, consumedFailed).Inc()
		return fmt.Errorf("send to dlq after %v: %w", err, dlqErr)
	}
	consumedMessages.WithLabelValues(message.Topic, consumedDeadLettered).Inc()
	c.logger.WithError(err).WithFields(messageFields(message)).Warn("message moved to DLQ")
	return nil
}

// handleWithRetry делает не больше maxRetries попыток с учётом уже сделанных (HeaderRetryCount).
// PermanentError прекращает попытки сразу.
func (c *Consumer) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	done := retryCount(message)
	attempts := max(c.maxRetries-done, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) || attempt == attempts {
			return err
		}

		consumedMessages.WithLabelValues(message.Topic, consumedRetry).Inc()
		c.logger.WithError(err).WithFields(messageFields(message)).WithField("retry_count", done+attempt).
			Warn("message processing failed, will retry")

		if c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	var permanent *PermanentError
	failedAt := c.now()
	letter := ConsumerDeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		Permanent:         errors.As(processingErr, &permanent),
		RetryCount:        retryCount(message),
		FailedAt:          failedAt,
	}
	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	return c.dlq.PublishRaw(c.dlqTopic, string(message.Key), value, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  processingErr.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(letter.RetryCount),
	})
}

func messageFields(message *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
}
