// Package orchestrator implements the message-handling state machine:
// classify, route, enrich, generate, persist, with a human-in-the-loop
// PENDING_APPROVAL detour and graceful degradation of memory enrichment
// on failure.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/cortexkeep/internal/agent"
	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/bus"
	"github.com/basket/cortexkeep/internal/intent"
	"github.com/basket/cortexkeep/internal/tokenutil"
)

// State is one step of the orchestrator's state machine.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateClassified       State = "CLASSIFIED"
	StateRouted           State = "ROUTED"
	StateEnriched         State = "ENRICHED"
	StateGenerating       State = "GENERATING"
	StatePendingApproval  State = "PENDING_APPROVAL"
	StatePersisted        State = "PERSISTED"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// Classifier is the subset of the Intent Classifier the orchestrator needs.
type Classifier interface {
	Classify(ctx context.Context, text string) (intent.Result, error)
}

// Enricher gathers the memory hints injected into an agent's prompt. Any
// single source failing degrades to an empty slice for that source rather
// than failing the whole turn; the agent works with whatever succeeded.
type Enricher interface {
	CoreHints(ctx context.Context, userID string) ([]string, error)
	RecallHints(ctx context.Context, userID, query string) ([]string, error)
	ArchivalHints(ctx context.Context, userID, query string) ([]string, error)
	GraphHints(ctx context.Context, userID, query string) ([]string, error)
}

// Persister durably records one turn's user and assistant messages inside
// a single transaction, so the user turn and the assistant turn are never
// split across a partial commit.
type Persister interface {
	PersistTurn(ctx context.Context, sessionID, userID, userText, assistantText string, partial bool) error
}

// ApprovalStore backs the PENDING_APPROVAL sub-state: a request is opened
// with a finite timeout and later resolved by an external approve/deny
// action, or swept to "timeout" by the background sweeper.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, userID, intentCategory string, timeout time.Duration) (string, error)
	PollApproval(ctx context.Context, requestID string, timeout time.Duration) (string, error) // "approved" | "denied" | "timeout"
}

// RequiresApproval reports whether a classified+routed turn needs human
// sign-off before generation proceeds.
type RequiresApproval func(category intent.Category) bool

// Config wires every collaborator the orchestrator needs.
type Config struct {
	Classifier       Classifier
	Registry         *agent.Registry
	Runtime          *agent.Runtime
	Enricher         Enricher
	Persister        Persister
	Approvals        ApprovalStore
	RequiresApproval RequiresApproval
	Bus              *bus.Bus
	ApprovalTimeout  time.Duration

	// Counter backs the tokens_in/tokens_out figures on each Outcome.
	Counter tokenutil.Counter

	// OutOfScopeReply is the fixed canned response for out_of_scope turns,
	// which never reach an agent.
	OutOfScopeReply string

	// PersistOutOfScope gates whether out_of_scope turns are written to
	// session storage at all.
	PersistOutOfScope bool
}

const defaultOutOfScopeReply = "That's outside what I can help with here."

// Turn is one inbound message handed to the orchestrator by the Message
// Pipeline.
type Turn struct {
	SessionID string
	UserID    string
	Text      string
	History   []agent.Message
}

// Outcome reports the final state of a turn plus enough detail for the
// pipeline to emit a metric event.
type Outcome struct {
	State      State
	Category   intent.Category
	Confidence float64
	TokensIn   int
	TokensOut  int
	Sources    int
	Partial    bool
	Err        error
}

// Orchestrator runs the RECEIVED→DONE state machine for one turn at a time;
// it holds no per-turn mutable state itself so a single instance safely
// serves every concurrent turn.
type Orchestrator struct {
	cfg Config
}

// New validates the agent registry against the runtime before returning,
// so a misconfigured category→agent mapping is a fatal startup error
// rather than a runtime surprise.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Runtime == nil {
		return nil, &apperr.ConfigError{Field: "orchestrator", Err: fmt.Errorf("registry and runtime are required")}
	}
	if err := cfg.Registry.Validate(cfg.Runtime); err != nil {
		return nil, err
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 2 * time.Minute
	}
	if cfg.RequiresApproval == nil {
		cfg.RequiresApproval = func(intent.Category) bool { return false }
	}
	if cfg.Counter == nil {
		cfg.Counter = tokenutil.Default
	}
	if cfg.OutOfScopeReply == "" {
		cfg.OutOfScopeReply = defaultOutOfScopeReply
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Handle drives one turn through every state, streaming assistant text to
// onChunk as it's produced. It never returns mid-state: the returned
// Outcome always names a terminal state (DONE or FAILED).
func (o *Orchestrator) Handle(ctx context.Context, turn Turn, onChunk func(string) error) Outcome {
	state := StateReceived

	result, err := o.cfg.Classifier.Classify(ctx, turn.Text)
	if err != nil {
		return o.fail(state, err)
	}
	state = StateClassified
	o.publish(bus.TopicTurnStateChanged, bus.TurnStateChangedEvent{SessionID: turn.SessionID, State: string(state)})

	tokensIn := o.cfg.Counter.Count(turn.Text)

	if result.Category == intent.CategoryOutOfScope {
		return o.cannedOutOfScope(ctx, turn, result, tokensIn, onChunk)
	}

	variant, ok := o.cfg.Registry.AgentFor(string(result.Category))
	if !ok {
		// Unregistered categories (unknown and friends) are handled
		// conversationally rather than failing the turn.
		variant = agent.VariantConversational
	}
	a, ok := o.cfg.Runtime.Get(variant)
	if !ok {
		return o.fail(state, &apperr.ConfigError{Field: "agent_registry", Err: fmt.Errorf("no runtime agent for variant %q", variant)})
	}
	state = StateRouted

	if o.cfg.RequiresApproval(result.Category) {
		approved, approvalErr := o.awaitApproval(ctx, turn.UserID, result.Category)
		if approvalErr != nil {
			return o.fail(StatePendingApproval, approvalErr)
		}
		if !approved {
			return Outcome{State: StateDone, Category: result.Category, Confidence: result.Confidence, TokensIn: tokensIn}
		}
	}

	hints := o.enrich(ctx, turn.UserID, turn.Text)
	state = StateGenerating
	req := agent.Request{SessionID: turn.SessionID, Message: turn.Text, History: turn.History, MemoryHints: hints}
	chunks, err := a.Process(ctx, req)
	if err != nil {
		return o.fail(state, err)
	}

	var full string
	partial := false
	var streamErr error
	for c := range chunks {
		if c.Text != "" {
			full += c.Text
			if onChunk != nil {
				if sendErr := onChunk(c.Text); sendErr != nil {
					partial = true
					streamErr = sendErr
					break
				}
			}
		}
		if c.Err != nil {
			partial = true
			streamErr = c.Err
			break
		}
	}

	if err := o.cfg.Persister.PersistTurn(ctx, turn.SessionID, turn.UserID, turn.Text, full, partial); err != nil {
		// Persistence failure after a partial or complete generation still
		// surfaces as FAILED: the caller already has whatever text streamed,
		// but the turn isn't durably recorded.
		return o.fail(StatePersisted, err)
	}
	state = StateDone

	tokensOut := o.cfg.Counter.Count(full)
	if streamErr != nil {
		return Outcome{State: state, Category: result.Category, Confidence: result.Confidence, TokensIn: tokensIn, TokensOut: tokensOut, Sources: len(hints), Partial: true, Err: streamErr}
	}
	return Outcome{State: state, Category: result.Category, Confidence: result.Confidence, TokensIn: tokensIn, TokensOut: tokensOut, Sources: len(hints), Partial: partial}
}

// cannedOutOfScope is the fixed-response path for out_of_scope turns: no
// agent runs, and persistence is gated by PersistOutOfScope.
func (o *Orchestrator) cannedOutOfScope(ctx context.Context, turn Turn, result intent.Result, tokensIn int, onChunk func(string) error) Outcome {
	reply := o.cfg.OutOfScopeReply
	if onChunk != nil {
		if err := onChunk(reply); err != nil {
			return o.fail(StateGenerating, err)
		}
	}
	if o.cfg.PersistOutOfScope && o.cfg.Persister != nil {
		if err := o.cfg.Persister.PersistTurn(ctx, turn.SessionID, turn.UserID, turn.Text, reply, false); err != nil {
			return o.fail(StatePersisted, err)
		}
	}
	return Outcome{
		State:      StateDone,
		Category:   result.Category,
		Confidence: result.Confidence,
		TokensIn:   tokensIn,
		TokensOut:  o.cfg.Counter.Count(reply),
	}
}

// awaitApproval opens a PENDING_APPROVAL request and blocks (bounded by
// ApprovalTimeout) for an external decision, treating an unresolved request
// as denied once the deadline passes.
func (o *Orchestrator) awaitApproval(ctx context.Context, userID string, category intent.Category) (bool, error) {
	if o.cfg.Approvals == nil {
		return true, nil
	}
	requestID, err := o.cfg.Approvals.CreateApproval(ctx, userID, string(category), o.cfg.ApprovalTimeout)
	if err != nil {
		return false, err
	}
	decision, err := o.cfg.Approvals.PollApproval(ctx, requestID, o.cfg.ApprovalTimeout)
	if err != nil {
		return false, err
	}
	return decision == "approved", nil
}

// enrich gathers memory hints from every tier concurrently, degrading to an
// empty slice for any tier that fails rather than failing the turn.
func (o *Orchestrator) enrich(ctx context.Context, userID, query string) []string {
	if o.cfg.Enricher == nil {
		return nil
	}
	type result struct {
		hints []string
	}
	results := make([]result, 4)
	done := make(chan struct{}, 4)

	go func() { defer func() { done <- struct{}{} }(); results[0].hints = safeHints(func() ([]string, error) { return o.cfg.Enricher.CoreHints(ctx, userID) }) }()
	go func() { defer func() { done <- struct{}{} }(); results[1].hints = safeHints(func() ([]string, error) { return o.cfg.Enricher.RecallHints(ctx, userID, query) }) }()
	go func() { defer func() { done <- struct{}{} }(); results[2].hints = safeHints(func() ([]string, error) { return o.cfg.Enricher.ArchivalHints(ctx, userID, query) }) }()
	go func() { defer func() { done <- struct{}{} }(); results[3].hints = safeHints(func() ([]string, error) { return o.cfg.Enricher.GraphHints(ctx, userID, query) }) }()
	for i := 0; i < 4; i++ {
		<-done
	}

	var hints []string
	for _, r := range results {
		hints = append(hints, r.hints...)
	}
	return hints
}

func safeHints(fn func() ([]string, error)) []string {
	hints, err := fn()
	if err != nil {
		return nil
	}
	return hints
}

func (o *Orchestrator) fail(state State, err error) Outcome {
	o.publish(bus.TopicTurnStateChanged, bus.TurnStateChangedEvent{State: string(StateFailed), From: string(state)})
	return Outcome{State: StateFailed, Err: err}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(topic, payload)
}
