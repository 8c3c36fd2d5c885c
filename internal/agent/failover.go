package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cortexkeep/internal/apperr"
)

// NamedBrain pairs a Brain with a provider name for circuit-breaker
// tracking and logging.
type NamedBrain struct {
	Name  string
	Brain Brain
}

// circuitBreaker tracks failure counts and trip state for one provider.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverBrain wraps a primary Brain with ordered fallbacks and
// per-provider circuit breakers. It implements Brain, so the Runtime can
// be handed one transparently. Only transient errors fail over; permanent
// and cancelled errors surface immediately since every provider would
// reject the same request.
type FailoverBrain struct {
	primary   NamedBrain
	fallbacks []NamedBrain

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	threshold int           // failures before tripping
	cooldown  time.Duration // time before a tripped breaker resets
}

// NewFailoverBrain creates a FailoverBrain that tries primary first, then
// each fallback in order. The breaker trips after threshold consecutive
// failures and resets once cooldown elapses.
func NewFailoverBrain(primary NamedBrain, fallbacks []NamedBrain, threshold int, cooldown time.Duration) *FailoverBrain {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	breakers := make(map[string]*circuitBreaker)
	breakers[primary.Name] = &circuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &circuitBreaker{}
	}

	return &FailoverBrain{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Respond tries each untripped provider in order and returns the first
// successful response.
func (fb *FailoverBrain) Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error) {
	var lastErr error
	for _, c := range fb.candidates() {
		if fb.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		resp, err := c.Brain.Respond(ctx, systemPrompt, history, input, cfg)
		if err == nil {
			fb.recordSuccess(c.Name)
			return resp, nil
		}

		lastErr = err
		fb.recordFailure(c.Name)
		if !retriable(err) {
			return "", err
		}
		slog.Warn("failover: provider failed", "provider", c.Name, "error", err)
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// Stream tries each untripped provider in order for streaming. A provider
// that fails mid-stream is not retried: the consumer has already seen its
// chunks, so the partial error surfaces instead.
func (fb *FailoverBrain) Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(text string) error) error {
	var lastErr error
	for _, c := range fb.candidates() {
		if fb.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider for stream", "provider", c.Name)
			continue
		}

		started := false
		wrapped := func(text string) error {
			started = true
			return onChunk(text)
		}
		err := c.Brain.Stream(ctx, systemPrompt, history, input, cfg, wrapped)
		if err == nil {
			fb.recordSuccess(c.Name)
			return nil
		}

		lastErr = err
		fb.recordFailure(c.Name)
		if started || !retriable(err) {
			return err
		}
		slog.Warn("failover: stream provider failed before first chunk", "provider", c.Name, "error", err)
	}
	return fmt.Errorf("failover: all providers failed for stream, last error: %w", lastErr)
}

func (fb *FailoverBrain) candidates() []NamedBrain {
	return append([]NamedBrain{fb.primary}, fb.fallbacks...)
}

// retriable reports whether the next provider should be tried: only
// transient LLM failures qualify.
func retriable(err error) bool {
	var llmErr *apperr.LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Kind == apperr.LLMTransient
	}
	return false
}

// isTripped returns true if the provider's breaker is tripped and its
// cooldown has not yet elapsed; an elapsed cooldown resets the breaker.
func (fb *FailoverBrain) isTripped(name string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cb, ok := fb.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fb.cooldown {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fb *FailoverBrain) recordFailure(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cb, ok := fb.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		fb.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fb.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (fb *FailoverBrain) recordSuccess(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if cb, ok := fb.breakers[name]; ok {
		cb.failures = 0
		cb.tripped = false
	}
}
