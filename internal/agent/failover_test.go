package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/cortexkeep/internal/apperr"
)

type scriptedBrain struct {
	resp  string
	err   error
	calls int
}

func (b *scriptedBrain) Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error) {
	b.calls++
	return b.resp, b.err
}

func (b *scriptedBrain) Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(string) error) error {
	b.calls++
	if b.err != nil {
		return b.err
	}
	return onChunk(b.resp)
}

func transientErr() error {
	return &apperr.LLMError{Kind: apperr.LLMTransient, Model: "m", Err: errors.New("overloaded")}
}

func permanentErr() error {
	return &apperr.LLMError{Kind: apperr.LLMPermanent, Model: "m", Err: errors.New("bad request")}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &scriptedBrain{resp: "primary answer"}
	fallback := &scriptedBrain{resp: "fallback answer"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 3, time.Minute)

	resp, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp != "primary answer" {
		t.Fatalf("expected primary response, got %q", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not be consulted when primary succeeds, got %d calls", fallback.calls)
	}
}

func TestFailover_TransientFailureFallsBack(t *testing.T) {
	primary := &scriptedBrain{err: transientErr()}
	fallback := &scriptedBrain{resp: "fallback answer"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 3, time.Minute)

	resp, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp != "fallback answer" {
		t.Fatalf("expected fallback response, got %q", resp)
	}
}

func TestFailover_PermanentFailureSurfacesWithoutFallback(t *testing.T) {
	primary := &scriptedBrain{err: permanentErr()}
	fallback := &scriptedBrain{resp: "fallback answer"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 3, time.Minute)

	_, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{})
	var llmErr *apperr.LLMError
	if !errors.As(err, &llmErr) || llmErr.Kind != apperr.LLMPermanent {
		t.Fatalf("expected the permanent error to surface, got %v", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not run on a permanent error, got %d calls", fallback.calls)
	}
}

func TestFailover_BreakerTripsAfterThreshold(t *testing.T) {
	primary := &scriptedBrain{err: transientErr()}
	fallback := &scriptedBrain{resp: "ok"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 2, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{}); err != nil {
			t.Fatalf("Respond %d: %v", i, err)
		}
	}
	// Threshold 2: the third turn must skip the tripped primary entirely.
	if primary.calls != 2 {
		t.Fatalf("expected primary skipped after breaker tripped, got %d calls", primary.calls)
	}
}

func TestFailover_BreakerResetsAfterCooldown(t *testing.T) {
	primary := &scriptedBrain{err: transientErr()}
	fallback := &scriptedBrain{resp: "ok"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 1, 10*time.Millisecond)

	if _, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected one primary attempt, got %d", primary.calls)
	}

	time.Sleep(20 * time.Millisecond)
	primary.err = nil
	primary.resp = "recovered"

	resp, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{})
	if err != nil {
		t.Fatalf("Respond after cooldown: %v", err)
	}
	if resp != "recovered" {
		t.Fatalf("expected primary to serve again after cooldown, got %q", resp)
	}
}

func TestFailover_AllProvidersFailing(t *testing.T) {
	primary := &scriptedBrain{err: transientErr()}
	fallback := &scriptedBrain{err: transientErr()}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 3, time.Minute)

	_, err := fb.Respond(context.Background(), "", nil, "hi", GenerationConfig{})
	if err == nil {
		t.Fatal("expected an error when every provider fails")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Fatalf("expected combined failure error, got %v", err)
	}
}

func TestFailover_StreamStartedIsNotRetried(t *testing.T) {
	// A stream that emits a chunk and then dies must surface its error;
	// retrying would replay content the consumer already saw.
	primary := &brokenStream{}
	fallback := &scriptedBrain{resp: "fallback"}
	fb := NewFailoverBrain(NamedBrain{"p", primary}, []NamedBrain{{"f", fallback}}, 3, time.Minute)

	var chunks []string
	err := fb.Stream(context.Background(), "", nil, "hi", GenerationConfig{}, func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	if err == nil {
		t.Fatal("expected the mid-stream error to surface")
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback must not replay a started stream, got %d calls", fallback.calls)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly the chunk emitted before the failure, got %v", chunks)
	}
}

type brokenStream struct{}

func (b *brokenStream) Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error) {
	return "", transientErr()
}

func (b *brokenStream) Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(string) error) error {
	_ = onChunk("partial")
	return transientErr()
}
