// Package agent implements the Agent Runtime: four-plus-one
// typed agent variants sharing one LLM client contract over Genkit.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/cortexkeep/internal/apperr"
)

// Chunk is one piece of a streamed agent response. The channel is closed after the final chunk; Err is set
// only on the terminal chunk when the stream ended in failure.
type Chunk struct {
	Text string
	Err  error
	Done bool
}

// Brain is the shared LLM abstraction every agent variant is built over.
// Sampling config is per call, not baked into construction, so the same
// client serves every variant's temperature band.
type Brain interface {
	Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error)
	Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(text string) error) error
}

// Message is one turn of conversation history passed to the LLM.
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// GenerationConfig carries the per-variant sampling parameters: each
// variant picks its own temperature band and output-token cap.
type GenerationConfig struct {
	Temperature float64
	MaxTokens   int
}

// BrainConfig configures the provider-backed GenkitBrain.
type BrainConfig struct {
	Provider string // "google", "anthropic", "openai", "openai_compatible"
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBrain wraps a Genkit instance configured for one of the supported
// chat providers. There is no hosted tool execution here; agents only
// stream text.
type GenkitBrain struct {
	g        *genkit.Genkit
	model    string
	provider string
	llmOn    bool
}

// NewGenkitBrain initializes Genkit with the configured provider.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("anthropic api key missing; brain running deterministic fallback")
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai api key missing; brain running deterministic fallback")
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai-compatible api key missing; brain running deterministic fallback")
		}
	default: // "google"
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("google api key missing; brain running deterministic fallback")
		}
	}

	return &GenkitBrain{g: g, model: model, provider: provider, llmOn: llmOn}
}

func (b *GenkitBrain) modelName() string {
	if b.provider == "google" {
		return "googleai/" + b.model
	}
	return b.model
}

func toMessages(history []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range history {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}
	return msgs
}

func (b *GenkitBrain) generateOptions(systemPrompt string, history []Message, input string, cfg GenerationConfig) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName()),
		ai.WithPrompt(input),
		ai.WithSystem(systemPrompt),
		ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
		}),
	}
	if msgs := toMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	return opts
}

// Respond generates one complete response.
func (b *GenkitBrain) Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", &apperr.LLMError{Kind: apperr.LLMPermanent, Model: b.model, Err: fmt.Errorf("empty input")}
	}
	if !b.llmOn {
		return "", &apperr.LLMError{Kind: apperr.LLMPermanent, Model: b.model, Err: fmt.Errorf("no provider credentials configured")}
	}

	resp, err := genkit.Generate(ctx, b.g, b.generateOptions(systemPrompt, history, input, cfg)...)
	if err != nil {
		if ctx.Err() != nil {
			return "", &apperr.LLMError{Kind: apperr.LLMCancelled, Model: b.model, Err: ctx.Err()}
		}
		return "", classifyLLMErr(b.model, err)
	}
	return resp.Text(), nil
}

// Stream generates a response, invoking onChunk for every text part as it
// arrives. The stream is consumed exactly once.
func (b *GenkitBrain) Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(text string) error) error {
	if strings.TrimSpace(input) == "" {
		return &apperr.LLMError{Kind: apperr.LLMPermanent, Model: b.model, Err: fmt.Errorf("empty input")}
	}
	if !b.llmOn {
		return &apperr.LLMError{Kind: apperr.LLMPermanent, Model: b.model, Err: fmt.Errorf("no provider credentials configured")}
	}

	stream := genkit.GenerateStream(ctx, b.g, b.generateOptions(systemPrompt, history, input, cfg)...)
	for val, err := range stream {
		if ctx.Err() != nil {
			return &apperr.LLMError{Kind: apperr.LLMCancelled, Model: b.model, Err: ctx.Err()}
		}
		if err != nil {
			return classifyLLMErr(b.model, err)
		}
		if val.Chunk == nil {
			continue
		}
		for _, part := range val.Chunk.Content {
			if part.Kind == ai.PartText && part.Text != "" {
				if err := onChunk(part.Text); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// classifyLLMErr folds a raw provider error into apperr.LLMError. Context
// deadline/cancellation is checked by the caller first; anything reaching
// here is treated as transient so the failover path gets a chance before
// the error surfaces.
func classifyLLMErr(model string, err error) error {
	return &apperr.LLMError{Kind: apperr.LLMTransient, Model: model, Err: err}
}
