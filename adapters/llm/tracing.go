package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

// StartSpan starts a span using the tracer provider carried by ctx.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return trace.SpanFromContext(ctx).TracerProvider().
		Tracer("github.com/satriahrh/cocoa-fruit/persona").
		Start(ctx, name, opts...)
}

// TracingChatProvider decorates a ChatProvider with a span per streamed response.
type TracingChatProvider struct {
	provider domain.ChatProvider
}

func NewTracingChatProvider(provider domain.ChatProvider) *TracingChatProvider {
	return &TracingChatProvider{provider: provider}
}

func (t *TracingChatProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	ctx, span := StartSpan(ctx, "ChatProvider.Stream")
	startTime := time.Now()

	original, err := t.provider.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	traced := make(chan domain.StreamChunk)
	go func() {
		defer span.End()
		defer close(traced)

		var chunks, chars int
		for chunk := range original {
			if chunk.Err != nil {
				span.RecordError(chunk.Err)
			}
			if chunk.Text != "" {
				chunks++
				chars += len(chunk.Text)
			}
			traced <- chunk
		}
		span.SetAttributes(
			attribute.Int("chunk_count", chunks),
			attribute.Int("response_length", chars),
			attribute.Int("message_count", len(req.Messages)),
			attribute.Bool("has_image", domain.HasImage(req.Messages)),
			attribute.Float64("total_streaming_time", time.Since(startTime).Seconds()),
		)
	}()

	return traced, nil
}
