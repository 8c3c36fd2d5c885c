package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the runtime records into.
type Metrics struct {
	TurnDuration      metric.Float64Histogram
	LLMCallDuration   metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	EstimatedCostUSD  metric.Float64Counter
	IntentsClassified metric.Int64Counter
	MemoryOpDuration  metric.Float64Histogram
	EmbeddingCacheHit metric.Int64Counter
	OffloadEvictions  metric.Int64Counter
	RateLimitWaits    metric.Int64Counter
	PartialTurns      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("cortexkeep.turn.duration",
		metric.WithDescription("End-to-end turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("cortexkeep.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("cortexkeep.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.EstimatedCostUSD, err = meter.Float64Counter("cortexkeep.llm.cost_usd",
		metric.WithDescription("Estimated LLM spend in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentsClassified, err = meter.Int64Counter("cortexkeep.intent.classified",
		metric.WithDescription("Turns classified, by intent attribute"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryOpDuration, err = meter.Float64Histogram("cortexkeep.memory.duration",
		metric.WithDescription("Memory tier operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbeddingCacheHit, err = meter.Int64Counter("cortexkeep.embedding.cache_hits",
		metric.WithDescription("Embedding cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.OffloadEvictions, err = meter.Int64Counter("cortexkeep.offload.evictions",
		metric.WithDescription("Messages evicted from the offload cache"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitWaits, err = meter.Int64Counter("cortexkeep.ratelimit.waits",
		metric.WithDescription("Acquisitions that had to block for a token"),
	)
	if err != nil {
		return nil, err
	}

	m.PartialTurns, err = meter.Int64Counter("cortexkeep.turn.partials",
		metric.WithDescription("Turns persisted with a partial response"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
