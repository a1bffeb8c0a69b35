package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errs      chan error
	closeErr  error
	closeOnce sync.Once
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if g.consumeFn != nil {
		return g.consumeFn(ctx, topics, handler)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closeOnce.Do(func() { close(g.errs) })
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicPaymentNotifications }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type recordedLetter struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakeSink struct {
	err     error
	letters []recordedLetter
}

func (s *fakeSink) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, recordedLetter{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func notification(offset int64, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicPaymentNotifications,
		Offset: offset,
		Key:    []byte("order-1"),
		Value:  []byte(`{"order_id":"order-1","provider":"stripe","reference":"pi_1","outcome":"succeeded","amount_minor":1500}`),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func testConsumer(handler MessageHandler, sink deadLetterSink) *Consumer {
	c := newConsumer(nil, ConsumerConfig{Topics: []string{TopicPaymentNotifications}, MaxRetries: 3, RetryDelay: -1}, handler)
	c.dlq = sink
	c.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return c
}

func TestNewConsumer_InvalidBroker(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Brokers: []string{"invalid-broker:9092"}, GroupID: "storefront"},
		func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
	assert.ErrorContains(t, err, "create kafka consumer group storefront")
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newConsumer(nil, ConsumerConfig{}, nil)
	assert.Equal(t, TopicDeadLetterQueue, c.dlqTopic)
	assert.Equal(t, defaultMaxRetries, c.maxRetries)
	assert.Equal(t, defaultRetryDelay, c.retryDelay)
	assert.Nil(t, c.dlq)

	assert.Zero(t, newConsumer(nil, ConsumerConfig{RetryDelay: -time.Second}, nil).retryDelay)
}

func TestConsumer_StartStop(t *testing.T) {
	group := &fakeGroup{errs: make(chan error, 1)}
	group.errs <- errors.New("broker connection reset")
	c := newConsumer(group, ConsumerConfig{Topics: []string{TopicPaymentNotifications}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	done := make(chan error)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_StartRetriesSessionErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	group := &fakeGroup{errs: make(chan error), consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
		calls++
		if calls < 3 {
			return errors.New("rebalance in progress")
		}
		return sarama.ErrClosedConsumerGroup
	}}
	c := newConsumer(group, ConsumerConfig{}, nil)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())
	assert.Equal(t, 3, calls)
}

func TestConsumer_StopError(t *testing.T) {
	c := newConsumer(&fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}, ConsumerConfig{}, nil)
	assert.ErrorContains(t, c.Stop(), "close failed")
}

func TestConsumer_ConsumeClaimMarksHandledAndDeadLettered(t *testing.T) {
	sink := &fakeSink{}
	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == 2 {
			return Permanent(errors.New("unknown order"))
		}
		return nil
	}, sink)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- notification(1, "")
	claim.messages <- notification(2, "")
	claim.messages <- notification(3, "")
	close(claim.messages)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	assert.Len(t, sink.letters, 1)
}

func TestConsumer_ConsumeClaimLeavesFailedUncommitted(t *testing.T) {
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("db down") }, nil)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- notification(7, "")
	close(claim.messages)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Empty(t, session.marked)
}

func TestConsumer_ConsumeClaimStopsOnSessionEnd(t *testing.T) {
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	assert.NoError(t, err)
}

func TestConsumer_HandleWithRetry(t *testing.T) {
	tests := []struct {
		name         string
		retries      string
		handlerErr   error
		wantAttempts int
		wantErr      bool
	}{
		{name: "success first try", wantAttempts: 1},
		{name: "transient error uses full budget", handlerErr: errors.New("timeout"), wantAttempts: 3, wantErr: true},
		{name: "budget reduced by retry header", retries: "1", handlerErr: errors.New("timeout"), wantAttempts: 2, wantErr: true},
		{name: "exhausted header still gets one attempt", retries: "5", handlerErr: errors.New("timeout"), wantAttempts: 1, wantErr: true},
		{name: "permanent error stops immediately", handlerErr: Permanent(errors.New("invalid amount")), wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				return tt.handlerErr
			}, nil)

			err := c.handleWithRetry(context.Background(), notification(1, tt.retries))
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestConsumer_HandleWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		cancel()
		return errors.New("timeout")
	}, nil)
	c.retryDelay = time.Hour

	err := c.handleWithRetry(ctx, notification(1, ""))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestConsumer_DeadLetterRecord(t *testing.T) {
	sink := &fakeSink{}
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return Permanent(errors.New("amount mismatch"))
	}, sink)
	c.dlqTopic = "storefront.dlq.test"

	msg := notification(42, "2")
	msg.Partition = 3
	require.NoError(t, c.process(context.Background(), msg))
	require.Len(t, sink.letters, 1)

	got := sink.letters[0]
	assert.Equal(t, "storefront.dlq.test", got.topic)
	assert.Equal(t, "order-1", got.key)
	assert.Equal(t, TopicPaymentNotifications, got.headers[HeaderOriginalTopic])
	assert.Equal(t, "2", got.headers[HeaderRetryCount])
	assert.Equal(t, "2026-03-04T05:06:07Z", got.headers[HeaderFailedAt])
	assert.Contains(t, got.headers[HeaderErrorMessage], "amount mismatch")

	var letter ConsumerDeadLetter
	require.NoError(t, json.Unmarshal(got.value, &letter))
	assert.Equal(t, ConsumerDeadLetter{
		OriginalTopic:     TopicPaymentNotifications,
		OriginalPartition: 3,
		OriginalOffset:    42,
		OriginalKey:       "order-1",
		OriginalValue:     string(msg.Value),
		ErrorMessage:      "permanent: amount mismatch",
		Permanent:         true,
		RetryCount:        2,
		FailedAt:          time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}, letter)
}

func TestConsumer_ProcessDeadLetterFailure(t *testing.T) {
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return errors.New("timeout")
	}, &fakeSink{err: sarama.ErrOutOfBrokers})

	err := c.process(context.Background(), notification(1, ""))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestConsumer_DeadLetterThroughProducer(t *testing.T) {
	syncProducer := mocks.NewSyncProducer(t, nil)
	syncProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var letter ConsumerDeadLetter
		if err := json.Unmarshal(val, &letter); err != nil {
			return err
		}
		if letter.OriginalOffset != 9 {
			return errors.New("unexpected offset in dead letter")
		}
		return nil
	})
	producer := NewProducerFromSync(syncProducer)

	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return Permanent(errors.New("order not found"))
	}, producer)

	require.NoError(t, c.process(context.Background(), notification(9, "")))
	require.NoError(t, producer.Close())
}

func TestConsumer_HandlerSeesProducerTrace(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	producerCtx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg := notification(1, "")
	for k, v := range injectTrace(producerCtx, nil) {
		msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	var seen trace.SpanContext
	c := testConsumer(func(ctx context.Context, _ *sarama.ConsumerMessage) error {
		seen = trace.SpanContextFromContext(ctx)
		return nil
	}, nil)

	require.NoError(t, c.process(context.Background(), msg))
	assert.Equal(t, traceID, seen.TraceID())
	assert.True(t, seen.IsRemote())
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 5, retryCount(notification(1, "5")))
	assert.Zero(t, retryCount(notification(1, "bad")))
	assert.Zero(t, retryCount(notification(1, "-2")))
	assert.Zero(t, retryCount(notification(1, "")))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{nil}}))
}
