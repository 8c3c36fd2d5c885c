package agent

import (
	"context"
	"errors"
	"testing"
)

type fakeBrain struct {
	respondText string
	respondErr  error
	streamChunks []string
	streamErr    error
}

func (f *fakeBrain) Respond(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig) (string, error) {
	if f.respondErr != nil {
		return "", f.respondErr
	}
	return f.respondText, nil
}

func (f *fakeBrain) Stream(ctx context.Context, systemPrompt string, history []Message, input string, cfg GenerationConfig, onChunk func(string) error) error {
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, c := range f.streamChunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func drain(t *testing.T, ch <-chan Chunk) ([]string, error) {
	t.Helper()
	var texts []string
	var err error
	for c := range ch {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
		if c.Err != nil {
			err = c.Err
		}
	}
	return texts, err
}

func TestBaseAgent_StreamsChunksInOrder(t *testing.T) {
	brain := &fakeBrain{streamChunks: []string{"hello ", "world"}}
	a := newBaseAgent(VariantConversational, brain)

	ch, err := a.Process(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	texts, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(texts) != 2 || texts[0] != "hello " || texts[1] != "world" {
		t.Fatalf("unexpected chunks: %v", texts)
	}
}

func TestBaseAgent_StreamErrorSurfacesOnFinalChunk(t *testing.T) {
	brain := &fakeBrain{streamErr: errors.New("provider down")}
	a := newBaseAgent(VariantKnowledge, brain)

	ch, _ := a.Process(context.Background(), Request{Message: "hi"})
	_, err := drain(t, ch)
	if err == nil {
		t.Fatal("expected stream error to surface")
	}
}

func TestRegistry_ValidateFailsOnUnknownAgent(t *testing.T) {
	r := &Registry{categoryToAgent: map[string]Variant{"graph_query": "nonexistent"}}
	runtime := NewRuntime(&fakeBrain{}, nil)

	if err := r.Validate(runtime); err == nil {
		t.Fatal("expected Validate to fail for an unregistered agent id")
	}
}

func TestRegistry_DefaultRegistryValidatesAgainstRuntime(t *testing.T) {
	r := DefaultRegistry()
	runtime := NewRuntime(&fakeBrain{}, nil)
	if err := r.Validate(runtime); err != nil {
		t.Fatalf("expected default registry to validate: %v", err)
	}
}

func TestRuntime_StartStopAggregatesErrorsWithoutMasking(t *testing.T) {
	runtime := NewRuntime(&fakeBrain{}, nil)
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("Start with no lifecycle agents should succeed: %v", err)
	}
	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("Stop with no lifecycle agents should succeed: %v", err)
	}
}

func TestStudyAgent_RefusesUnsupportedCitation(t *testing.T) {
	brain := &fakeBrain{respondText: `{"answer": "Go is great", "citations": ["missing-source"]}`}
	validator, err := NewStructuredValidator()
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	a := newStudyAgent(brain, validator)

	ch, _ := a.Process(context.Background(), Request{Message: "tell me about go", Sources: []Source{{ID: "s1", Content: "Go is a language"}}})
	texts, err := drain(t, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts) != 1 || texts[0] != refusalMessage {
		t.Fatalf("expected refusal message, got %v", texts)
	}
}

func TestStudyAgent_AcceptsValidatedCitation(t *testing.T) {
	brain := &fakeBrain{respondText: `{"answer": "Go is a language", "citations": ["s1"]}`}
	validator, err := NewStructuredValidator()
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	a := newStudyAgent(brain, validator)

	ch, _ := a.Process(context.Background(), Request{Message: "tell me about go", Sources: []Source{{ID: "s1", Content: "Go is a language"}}})
	texts, err := drain(t, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts) != 1 || texts[0] != "Go is a language" {
		t.Fatalf("expected validated answer, got %v", texts)
	}
}
