package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/cortexkeep/internal/apperr"
)

// Variant is the sum type replacing an inheritance chain across agent
// flavors: a closed set dispatched through a table rather than subclassing.
type Variant string

const (
	VariantConversational Variant = "conversational"
	VariantKnowledge      Variant = "knowledge"
	VariantMemory         Variant = "memory"
	VariantGraph          Variant = "graph"
	VariantStudy          Variant = "study"
)

// Conversational runs warm (0.7); knowledge and memory run cool (0.2-0.4);
// Study is fully deterministic. Every variant caps output tokens.
var defaultConfig = map[Variant]GenerationConfig{
	VariantConversational: {Temperature: 0.7, MaxTokens: 1024},
	VariantKnowledge:      {Temperature: 0.3, MaxTokens: 1024},
	VariantMemory:         {Temperature: 0.2, MaxTokens: 512},
	VariantGraph:          {Temperature: 0.3, MaxTokens: 512},
	VariantStudy:          {Temperature: 0, MaxTokens: 1024},
}

// Source is a retrieved span the Study variant must cite against.
type Source struct {
	ID      string
	Content string
}

// Request is one call to an agent's Process method.
type Request struct {
	SessionID   string
	Message     string
	History     []Message
	MemoryHints []string // injected core/recall/archival/graph context
	Sources     []Source // only consulted by the Study variant
}

// Agent is the contract every variant implements: process one request
// into a stream of text chunks.
type Agent interface {
	Variant() Variant
	Process(ctx context.Context, req Request) (<-chan Chunk, error)
}

// systemPrompts are the instruction sets distinguishing variants sharing
// the same Brain; variant-specific behavior lives in this dispatch table,
// not an inheritance chain. Personality content is out of scope; these are
// structural
// instructions only.
var systemPrompts = map[Variant]string{
	VariantConversational: "You are a helpful conversational assistant. Use any provided memory context naturally; never invent facts not given to you.",
	VariantKnowledge:      "You answer knowledge questions precisely and concisely, grounding claims in the provided context when present.",
	VariantMemory:         "You help the user manage their stored facts and memories. Be explicit about what was stored, retrieved, or not found.",
	VariantGraph:          "You answer questions about entities and relationships using the provided knowledge-graph context.",
	VariantStudy:          "You are a citation-validated research assistant. Every factual claim must cite a retrieved source by id. If you cannot support a claim with a retrieved source, refuse that claim explicitly instead of guessing.",
}

// baseAgent implements Process for every non-Study variant: build the
// prompt from memory hints, delegate to Brain.Stream, forward chunks.
type baseAgent struct {
	variant Variant
	brain   Brain
	cfg     GenerationConfig
}

func newBaseAgent(v Variant, brain Brain) *baseAgent {
	return &baseAgent{variant: v, brain: brain, cfg: defaultConfig[v]}
}

func (a *baseAgent) Variant() Variant { return a.variant }

func (a *baseAgent) Process(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		system := composeSystemPrompt(a.variant, req.MemoryHints)
		err := a.brain.Stream(ctx, system, req.History, req.Message, a.cfg, func(text string) error {
			select {
			case out <- Chunk{Text: text}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				out <- Chunk{Done: true, Err: &apperr.CancelledError{Op: "agent.process:" + string(a.variant)}}
				return
			}
			out <- Chunk{Done: true, Err: err}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

func composeSystemPrompt(v Variant, hints []string) string {
	base := systemPrompts[v]
	if len(hints) == 0 {
		return base
	}
	joined := base + "\n\nRelevant context:\n"
	for _, h := range hints {
		joined += "- " + h + "\n"
	}
	return joined
}

// Registry maps intent categories to agent ids and is validated at
// startup; referencing an unknown agent is a fatal configuration error.
type Registry struct {
	categoryToAgent map[string]Variant
}

// DefaultRegistry is the closed category → agent mapping, keyed on the
// Intent Classifier's category set.
func DefaultRegistry() *Registry {
	return &Registry{categoryToAgent: map[string]Variant{
		"greeting":         VariantConversational,
		"farewell":         VariantConversational,
		"thanks":           VariantConversational,
		"help":             VariantConversational,
		"status":           VariantConversational,
		"chitchat":         VariantConversational,
		"knowledge_query":  VariantKnowledge,
		"memory_store":     VariantMemory,
		"memory_retrieve":  VariantMemory,
		"graph_query":      VariantGraph,
	}}
}

// AgentFor resolves a category to an agent variant.
func (r *Registry) AgentFor(category string) (Variant, bool) {
	v, ok := r.categoryToAgent[category]
	return v, ok
}

// Validate ensures every mapped variant is present in runtime, failing
// startup with a ConfigError on an unknown agent id.
func (r *Registry) Validate(runtime *Runtime) error {
	for category, v := range r.categoryToAgent {
		if _, ok := runtime.agents[v]; !ok {
			return &apperr.ConfigError{Field: "agent_registry", Err: fmt.Errorf("category %q routes to unknown agent %q", category, v)}
		}
	}
	return nil
}

// Runtime owns every started agent variant and their lifecycle.
type Runtime struct {
	mu     sync.RWMutex
	agents map[Variant]Agent
}

// NewRuntime builds every variant over the same Brain, plus the Study
// variant wired with its Validator (may be nil to disable citation mode).
func NewRuntime(brain Brain, validator *StructuredValidator) *Runtime {
	r := &Runtime{agents: make(map[Variant]Agent)}
	r.agents[VariantConversational] = newBaseAgent(VariantConversational, brain)
	r.agents[VariantKnowledge] = newBaseAgent(VariantKnowledge, brain)
	r.agents[VariantMemory] = newBaseAgent(VariantMemory, brain)
	r.agents[VariantGraph] = newBaseAgent(VariantGraph, brain)
	r.agents[VariantStudy] = newStudyAgent(brain, validator)
	return r
}

// Get returns the agent for a variant.
func (r *Runtime) Get(v Variant) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[v]
	return a, ok
}

// lifecycleAgent is implemented by variants that hold resources needing
// explicit start/stop (none of the current variants do, but the Start/Stop
// contract must still aggregate per-variant errors without masking any
// single one).
type lifecycleAgent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Start starts every variant in parallel, aggregating all errors rather
// than returning on the first one.
func (r *Runtime) Start(ctx context.Context) error {
	return r.forEachParallel(func(v Agent) error {
		if la, ok := v.(lifecycleAgent); ok {
			return la.Start(ctx)
		}
		return nil
	})
}

// Stop stops every variant in parallel with the same aggregation contract.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.forEachParallel(func(v Agent) error {
		if la, ok := v.(lifecycleAgent); ok {
			return la.Stop(ctx)
		}
		return nil
	})
}

func (r *Runtime) forEachParallel(fn func(Agent) error) error {
	r.mu.RLock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a Agent) {
			defer wg.Done()
			errs[i] = fn(a)
		}(i, a)
	}
	wg.Wait()

	var joined []error
	for _, e := range errs {
		if e != nil {
			joined = append(joined, e)
		}
	}
	if len(joined) == 0 {
		return nil
	}
	return fmt.Errorf("agent runtime: %d of %d variants failed: %w", len(joined), len(agents), joined[0])
}
