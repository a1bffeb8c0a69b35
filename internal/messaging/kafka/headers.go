package kafka

import (
	"context"
	"maps"
	"strconv"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// recordHeaders адаптирует заголовки полученного сообщения к propagation.TextMapCarrier.
type recordHeaders []*sarama.RecordHeader

func (h recordHeaders) Get(key string) string {
	for _, header := range h {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

// Set нужен только для интерфейса: входящие сообщения не меняются.
func (h recordHeaders) Set(string, string) {}

func (h recordHeaders) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, header := range h {
		if header != nil {
			keys = append(keys, string(header.Key))
		}
	}
	return keys
}

// injectTrace возвращает копию headers с trace context из ctx.
func injectTrace(ctx context.Context, headers map[string]string) map[string]string {
	out := maps.Clone(headers)
	if out == nil {
		out = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}

// extractTrace восстанавливает trace context продюсера из заголовков сообщения.
func extractTrace(ctx context.Context, message *sarama.ConsumerMessage) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, recordHeaders(message.Headers))
}

// retryCount читает HeaderRetryCount; отсутствующий или битый заголовок - 0.
func retryCount(message *sarama.ConsumerMessage) int {
	n, err := strconv.Atoi(recordHeaders(message.Headers).Get(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
