package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TurnDuration == nil {
		t.Error("TurnDuration is nil")
	}
	if m.LLMCallDuration == nil {
		t.Error("LLMCallDuration is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.EstimatedCostUSD == nil {
		t.Error("EstimatedCostUSD is nil")
	}
	if m.IntentsClassified == nil {
		t.Error("IntentsClassified is nil")
	}
	if m.MemoryOpDuration == nil {
		t.Error("MemoryOpDuration is nil")
	}
	if m.EmbeddingCacheHit == nil {
		t.Error("EmbeddingCacheHit is nil")
	}
	if m.OffloadEvictions == nil {
		t.Error("OffloadEvictions is nil")
	}
	if m.RateLimitWaits == nil {
		t.Error("RateLimitWaits is nil")
	}
	if m.PartialTurns == nil {
		t.Error("PartialTurns is nil")
	}
}

func TestNewMetrics_RecordDoesNotPanicWithNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.TurnDuration.Record(ctx, 0.42)
	m.TokensUsed.Add(ctx, 128)
	m.EstimatedCostUSD.Add(ctx, 0.0004)
	m.PartialTurns.Add(ctx, 1)
}
