package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans. User identifiers are always
// the salted hash, never the raw author id.
var (
	AttrSessionID    = attribute.Key("cortexkeep.session.id")
	AttrUserHash     = attribute.Key("cortexkeep.user.hash")
	AttrIntent       = attribute.Key("cortexkeep.intent")
	AttrAgentVariant = attribute.Key("cortexkeep.agent.variant")
	AttrModel        = attribute.Key("cortexkeep.llm.model")
	AttrTokensInput  = attribute.Key("cortexkeep.llm.tokens.input")
	AttrTokensOutput = attribute.Key("cortexkeep.llm.tokens.output")
	AttrMemoryTier   = attribute.Key("cortexkeep.memory.tier")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound message (pipeline entry).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM, embedding, store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
