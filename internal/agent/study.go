package agent

import (
	"context"
	"fmt"
	"strings"
)

const refusalMessage = "I can't support that claim with a retrieved source, so I won't answer it."

// studyAgent is the deterministic, citation-validated variant: temperature
// zero, every factual assertion traceable to a retrieved source, explicit
// refusal when a citation can't be validated. Unlike the
// other variants it cannot stream incrementally — the whole response must
// be validated before anything is emitted — so Process produces exactly
// one chunk.
type studyAgent struct {
	brain     Brain
	validator *StructuredValidator
	cfg       GenerationConfig
}

func newStudyAgent(brain Brain, validator *StructuredValidator) *studyAgent {
	return &studyAgent{brain: brain, validator: validator, cfg: defaultConfig[VariantStudy]}
}

func (a *studyAgent) Variant() Variant { return VariantStudy }

func (a *studyAgent) Process(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)

		system := studySystemPrompt(req.Sources)
		text, err := a.brain.Respond(ctx, system, req.History, req.Message, a.cfg)
		if err != nil {
			out <- Chunk{Done: true, Err: err}
			return
		}

		if a.validator == nil {
			out <- Chunk{Text: text, Done: true}
			return
		}

		result, valErr := a.validator.Validate(text, req.Sources)
		if valErr != nil {
			out <- Chunk{Text: refusalMessage, Done: true}
			return
		}
		out <- Chunk{Text: result.Answer, Done: true}
	}()
	return out, nil
}

func studySystemPrompt(sources []Source) string {
	var b strings.Builder
	b.WriteString(systemPrompts[VariantStudy])
	b.WriteString("\n\nRespond with a single JSON object: {\"answer\": string, \"citations\": [source ids you relied on]}.")
	if len(sources) == 0 {
		b.WriteString("\n\nNo sources were retrieved. You may only answer with an empty citations array if the answer needs no factual support; otherwise refuse.")
		return b.String()
	}
	b.WriteString("\n\nRetrieved sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "- [%s] %s\n", s.ID, s.Content)
	}
	return b.String()
}
