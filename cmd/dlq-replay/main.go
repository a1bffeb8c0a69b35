// Команда dlq-replay возвращает сообщения из dead letter queue в рабочие топики:
// отклонённые уведомления об оплате в топик уведомлений, неотправленные события
// заказа в топик событий. По умолчанию работает в режиме dry-run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second

	headerReplayedFrom = "x-replayed-from"
)

// Виды сообщений в DLQ.
const (
	kindAll           = "all"
	kindNotifications = "notifications"
	kindEvents        = "events"
)

type options struct {
	configPath  string
	kind        string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replayConfig - итоговые настройки прогона.
type replayConfig struct {
	options
	brokers            []string
	dlqTopic           string
	eventsTopic        string
	notificationsTopic string
}

type replayMessage struct {
	kind  string
	topic string
	key   string
	value []byte
}

// outboxDeadLetter - полезная нагрузка события, которое outbox не смог опубликовать.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// rawPublisher реализуется *kafka.Producer.
type rawPublisher interface {
	PublishRaw(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return s.consumer.Close()
}

var connect = func(cfg replayConfig) (offsetClient, partitionSource, rawPublisher, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !cfg.execute {
		return client, saramaSource{consumer: consumer}, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, saramaSource{consumer: consumer}, producer, nil
}

func parseOptions(args []string, output io.Writer) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "path to service YAML config (fallback: STOREFRONT_CONFIG)")
	fs.StringVar(&opts.kind, "kind", kindAll, "messages to replay: all|notifications|events")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max number of DLQ messages to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish messages; default is dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the latest messages of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this idle period")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.kind = strings.ToLower(strings.TrimSpace(opts.kind))
	if !slices.Contains([]string{kindAll, kindNotifications, kindEvents}, opts.kind) {
		return options{}, fmt.Errorf("unsupported kind %q (use all|notifications|events)", opts.kind)
	}
	if opts.limit <= 0 {
		return options{}, errors.New("limit must be > 0")
	}
	if opts.idleTimeout <= 0 {
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

// buildConfig берёт брокеры и топики из конфигурации сервиса.
func buildConfig(opts options, svc app.Config) (replayConfig, error) {
	var brokers []string
	for _, b := range strings.Split(svc.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return replayConfig{}, errors.New("kafka brokers are required (STOREFRONT_KAFKA__BROKERS)")
	}

	cfg := replayConfig{
		options:            opts,
		brokers:            brokers,
		dlqTopic:           firstNonEmpty(svc.KafkaDLQTopic, kafka.TopicDeadLetterQueue),
		eventsTopic:        firstNonEmpty(svc.KafkaEventsTopic, kafka.TopicOrderEvents),
		notificationsTopic: firstNonEmpty(svc.KafkaNotificationsTopic, kafka.TopicPaymentNotifications),
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		fail("%v", err)
	}
	svc, err := app.LoadConfig(opts.configPath)
	if err != nil {
		fail("load config: %v", err)
	}
	cfg, err := buildConfig(opts, svc)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func run(ctx context.Context, cfg replayConfig) error {
	client, source, publisher, err := connect(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if publisher != nil {
			_ = publisher.Close()
		}
		_ = source.Close()
		_ = client.Close()
	}()

	stats, err := replay(ctx, cfg, client, source, publisher)
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"kind":      cfg.kind,
		"scanned":   stats.scanned,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
		"dlq_topic": cfg.dlqTopic,
	}).Info("dlq replay finished")
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func replay(ctx context.Context, cfg replayConfig, client offsetClient, source partitionSource, publisher rawPublisher) (replayStats, error) {
	var total replayStats
	if cfg.execute && publisher == nil {
		return total, errors.New("publisher is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.dlqTopic)
	if err != nil {
		return total, fmt.Errorf("partitions of %s: %w", cfg.dlqTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		remaining := cfg.limit - total.scanned
		if remaining <= 0 {
			break
		}
		stats, err := replayPartition(ctx, cfg, client, source, publisher, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replayPartition(
	ctx context.Context,
	cfg replayConfig,
	client offsetClient,
	source partitionSource,
	publisher rawPublisher,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats

	oldest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := source.ConsumePartition(cfg.dlqTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr, ok := <-pc.Errors():
			if ok && cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)
			stats.scanned++

			entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			out, err := decodeDeadLetter(msg.Value, cfg)
			if err != nil {
				stats.skipped++
				entry.WithError(err).Warn("skip dead letter")
				continue
			}
			if cfg.kind != kindAll && cfg.kind != out.kind {
				stats.skipped++
				continue
			}

			if cfg.execute {
				headers := map[string]string{headerReplayedFrom: cfg.dlqTopic}
				if err := publisher.PublishRaw(out.topic, out.key, out.value, headers); err != nil {
					return stats, fmt.Errorf("replay to %s: %w", out.topic, err)
				}
			} else {
				entry.WithFields(log.Fields{"kind": out.kind, "topic": out.topic, "key": out.key}).
					Info("dlq replay candidate")
			}
			stats.replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// decodeDeadLetter определяет источник записи DLQ и восстанавливает исходное сообщение.
// Уведомления, которые снова не пройдут проверку, не переотправляются.
func decodeDeadLetter(value []byte, cfg replayConfig) (replayMessage, error) {
	var fromConsumer kafka.ConsumerDeadLetter
	if err := json.Unmarshal(value, &fromConsumer); err == nil && fromConsumer.OriginalValue != "" {
		topic := firstNonEmpty(fromConsumer.OriginalTopic, cfg.notificationsTopic)
		if topic == cfg.notificationsTopic {
			if _, err := kafka.ParsePaymentNotification(&sarama.ConsumerMessage{Value: []byte(fromConsumer.OriginalValue)}); err != nil {
				return replayMessage{}, fmt.Errorf("notification is still invalid: %w", err)
			}
		}
		kind := kindNotifications
		if topic == cfg.eventsTopic {
			kind = kindEvents
		}
		return replayMessage{
			kind:  kind,
			topic: topic,
			key:   fromConsumer.OriginalKey,
			value: []byte(fromConsumer.OriginalValue),
		}, nil
	}

	var envelope kafka.OrderEventEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, errors.New("unknown dead letter format")
	}
	var failed outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &failed); err != nil {
		return replayMessage{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(failed.Payload) == 0 {
		return replayMessage{}, errors.New("outbox dead letter has no event payload")
	}

	restored := kafka.OrderEventEnvelope{
		ID:            firstNonEmpty(failed.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(failed.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(failed.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(failed.EventType, envelope.EventType),
		Payload:       failed.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(restored)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode order event: %w", err)
	}
	return replayMessage{
		kind:  kindEvents,
		topic: cfg.eventsTopic,
		key:   firstNonEmpty(restored.AggregateID, restored.ID),
		value: encoded,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
