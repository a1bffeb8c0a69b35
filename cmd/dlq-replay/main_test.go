package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	testDLQ           = "storefront.dlq"
	testEvents        = "storefront.order.events"
	testNotifications = "storefront.payment.notifications"
)

type offsetRange struct{ oldest, newest int64 }

type stubClient struct {
	partitions []int32
	offsets    map[int32]offsetRange
	err        error
}

func (c *stubClient) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	r := c.offsets[partition]
	if at == sarama.OffsetOldest {
		return r.oldest, nil
	}
	return r.newest, nil
}

func (c *stubClient) Partitions(string) ([]int32, error) { return c.partitions, c.err }
func (c *stubClient) Close() error                       { return nil }

type stubPartition struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func newStubPartition(msgs ...*sarama.ConsumerMessage) *stubPartition {
	p := &stubPartition{
		messages: make(chan *sarama.ConsumerMessage, len(msgs)),
		errors:   make(chan *sarama.ConsumerError),
	}
	for _, m := range msgs {
		p.messages <- m
	}
	close(p.messages)
	return p
}

func (p *stubPartition) Messages() <-chan *sarama.ConsumerMessage { return p.messages }
func (p *stubPartition) Errors() <-chan *sarama.ConsumerError     { return p.errors }
func (p *stubPartition) Close() error                             { return nil }

type stubSource struct {
	partitions map[int32]partitionConsumer
	starts     map[int32]int64
}

func (s *stubSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	if s.starts == nil {
		s.starts = make(map[int32]int64)
	}
	s.starts[partition] = offset
	pc, ok := s.partitions[partition]
	if !ok {
		return nil, errors.New("no such partition")
	}
	return pc, nil
}

func (s *stubSource) Close() error { return nil }

type published struct {
	topic   string
	key     string
	value   string
	headers map[string]string
}

type stubPublisher struct {
	sent []published
	err  error
}

func (p *stubPublisher) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: string(value), headers: headers})
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func testConfig(execute bool) replayConfig {
	return replayConfig{
		options: options{
			kind:        kindAll,
			limit:       10,
			execute:     execute,
			idleTimeout: 50 * time.Millisecond,
		},
		brokers:            []string{"broker:9092"},
		dlqTopic:           testDLQ,
		eventsTopic:        testEvents,
		notificationsTopic: testNotifications,
	}
}

func notificationDeadLetter(t *testing.T, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"original_topic": testNotifications,
		"original_key":   "o-1",
		"original_value": value,
		"error_message":  "order store unavailable",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func outboxDeadLetterMessage(t *testing.T) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"outbox_id":      "evt-1",
		"aggregate_type": "order",
		"aggregate_id":   "o-2",
		"event_type":     "order.paid",
		"payload":        json.RawMessage(`{"orderId":"o-2","status":"paid"}`),
		"publish_error":  "broker down",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw, err := json.Marshal(kafka.OrderEventEnvelope{
		ID:            "evt-1",
		AggregateType: "order",
		AggregateID:   "o-2",
		EventType:     "order.paid",
		Payload:       inner,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

const validNotification = `{"order_id":"o-1","provider":"stripe","reference":"pi_1","outcome":"succeeded","amount_minor":250}`

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-kind", " Events ", "-limit", "5", "-execute"}, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if opts.kind != kindEvents || opts.limit != 5 || !opts.execute {
		t.Fatalf("unexpected options: %+v", opts)
	}

	invalid := [][]string{
		{"-kind", "refunds"},
		{"-limit", "0"},
		{"-idle-timeout", "0s"},
		{"-bogus"},
	}
	for _, args := range invalid {
		if _, err := parseOptions(args, io.Discard); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestBuildConfig(t *testing.T) {
	svc := app.DefaultConfig()
	if _, err := buildConfig(options{}, svc); err == nil {
		t.Fatal("expected error without brokers")
	}

	svc.KafkaBrokers = " k1:9092, ,k2:9092"
	svc.KafkaDLQTopic = "custom.dlq"
	cfg, err := buildConfig(options{kind: kindAll}, svc)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}
	if len(cfg.brokers) != 2 || cfg.brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if cfg.dlqTopic != "custom.dlq" || cfg.eventsTopic != svc.KafkaEventsTopic {
		t.Fatalf("unexpected topics: %+v", cfg)
	}
}

func TestDecodeDeadLetter_Notification(t *testing.T) {
	got, err := decodeDeadLetter(notificationDeadLetter(t, validNotification), testConfig(false))
	if err != nil {
		t.Fatalf("decodeDeadLetter failed: %v", err)
	}
	if got.kind != kindNotifications || got.topic != testNotifications || got.key != "o-1" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if string(got.value) != validNotification {
		t.Fatalf("original value must be replayed as is, got %s", got.value)
	}
}

func TestDecodeDeadLetter_InvalidNotificationIsSkipped(t *testing.T) {
	_, err := decodeDeadLetter(notificationDeadLetter(t, `{"order_id":"o-1","outcome":"maybe"}`), testConfig(false))
	if err == nil {
		t.Fatal("expected error for notification that fails validation again")
	}
}

func TestDecodeDeadLetter_OutboxEvent(t *testing.T) {
	got, err := decodeDeadLetter(outboxDeadLetterMessage(t), testConfig(false))
	if err != nil {
		t.Fatalf("decodeDeadLetter failed: %v", err)
	}
	if got.kind != kindEvents || got.topic != testEvents || got.key != "o-2" {
		t.Fatalf("unexpected message: %+v", got)
	}

	var envelope kafka.OrderEventEnvelope
	if err := json.Unmarshal(got.value, &envelope); err != nil {
		t.Fatalf("replayed value is not an order event: %v", err)
	}
	if envelope.ID != "evt-1" || envelope.EventType != "order.paid" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != `{"orderId":"o-2","status":"paid"}` {
		t.Fatalf("original payload must be restored, got %s", envelope.Payload)
	}
}

func TestDecodeDeadLetter_Unknown(t *testing.T) {
	for _, raw := range []string{`not json`, `{"id":"x"}`, `{"id":"x","payload":"not-an-object"}`} {
		if _, err := decodeDeadLetter([]byte(raw), testConfig(false)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestReplay_ExecutePublishesWithHeader(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 2}}}
	source := &stubSource{partitions: map[int32]partitionConsumer{
		0: newStubPartition(
			&sarama.ConsumerMessage{Offset: 0, Value: notificationDeadLetter(t, validNotification)},
			&sarama.ConsumerMessage{Offset: 1, Value: outboxDeadLetterMessage(t)},
		),
	}}
	publisher := &stubPublisher{}

	stats, err := replay(context.Background(), testConfig(true), client, source, publisher)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if stats.scanned != 2 || stats.replayed != 2 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(publisher.sent) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(publisher.sent))
	}
	if publisher.sent[0].topic != testNotifications || publisher.sent[1].topic != testEvents {
		t.Fatalf("unexpected topics: %+v", publisher.sent)
	}
	if publisher.sent[0].headers[headerReplayedFrom] != testDLQ {
		t.Fatalf("missing replay header: %+v", publisher.sent[0].headers)
	}
}

func TestReplay_KindFilterAndDryRun(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 2}}}
	source := &stubSource{partitions: map[int32]partitionConsumer{
		0: newStubPartition(
			&sarama.ConsumerMessage{Offset: 0, Value: notificationDeadLetter(t, validNotification)},
			&sarama.ConsumerMessage{Offset: 1, Value: outboxDeadLetterMessage(t)},
		),
	}}
	cfg := testConfig(false)
	cfg.kind = kindEvents

	stats, err := replay(context.Background(), cfg, client, source, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if stats.replayed != 1 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReplay_LimitAcrossPartitions(t *testing.T) {
	client := &stubClient{
		partitions: []int32{1, 0},
		offsets:    map[int32]offsetRange{0: {0, 1}, 1: {0, 1}},
	}
	source := &stubSource{partitions: map[int32]partitionConsumer{
		0: newStubPartition(&sarama.ConsumerMessage{Offset: 0, Value: outboxDeadLetterMessage(t)}),
		1: newStubPartition(&sarama.ConsumerMessage{Offset: 0, Value: outboxDeadLetterMessage(t)}),
	}}
	cfg := testConfig(false)
	cfg.limit = 1

	stats, err := replay(context.Background(), cfg, client, source, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if stats.scanned != 1 {
		t.Fatalf("limit must stop the scan, got %+v", stats)
	}
	if _, touched := source.starts[1]; touched {
		t.Fatal("partitions are scanned in order, partition 1 must not be read")
	}
}

func TestReplay_FromNewestStartsNearEnd(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 50}}}
	source := &stubSource{partitions: map[int32]partitionConsumer{0: newStubPartition()}}
	cfg := testConfig(false)
	cfg.fromNewest = true

	if _, err := replay(context.Background(), cfg, client, source, nil); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if source.starts[0] != 40 {
		t.Fatalf("expected start offset 40, got %d", source.starts[0])
	}
}

func TestReplay_Errors(t *testing.T) {
	if _, err := replay(context.Background(), testConfig(true), &stubClient{}, &stubSource{}, nil); err == nil {
		t.Fatal("execute mode requires a publisher")
	}

	failing := &stubClient{err: errors.New("metadata unavailable")}
	if _, err := replay(context.Background(), testConfig(false), failing, &stubSource{}, nil); err == nil {
		t.Fatal("expected partitions error")
	}

	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 1}}}
	source := &stubSource{partitions: map[int32]partitionConsumer{
		0: newStubPartition(&sarama.ConsumerMessage{Offset: 0, Value: outboxDeadLetterMessage(t)}),
	}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	if _, err := replay(context.Background(), testConfig(true), client, source, publisher); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestReplay_ContextCancelled(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {0, 5}}}
	pc := &stubPartition{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	source := &stubSource{partitions: map[int32]partitionConsumer{0: pc}}
	cfg := testConfig(false)
	cfg.idleTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := replay(ctx, cfg, client, source, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
