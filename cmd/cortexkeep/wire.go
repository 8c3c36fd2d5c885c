package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/cortexkeep/internal/agent"
	"github.com/basket/cortexkeep/internal/archival"
	"github.com/basket/cortexkeep/internal/bus"
	"github.com/basket/cortexkeep/internal/convo"
	"github.com/basket/cortexkeep/internal/gateway"
	"github.com/basket/cortexkeep/internal/graph"
	"github.com/basket/cortexkeep/internal/memory"
	otelpkg "github.com/basket/cortexkeep/internal/otel"
	"github.com/basket/cortexkeep/internal/orchestrator"
	"github.com/basket/cortexkeep/internal/pipeline"
	"github.com/basket/cortexkeep/internal/pricing"
	"github.com/basket/cortexkeep/internal/recall"
	"github.com/basket/cortexkeep/internal/store"
	"github.com/basket/cortexkeep/internal/tokenutil"
)

// memoryEnricher gathers prompt hints from every memory tier. Each method
// degrades independently; the orchestrator already treats a failed tier as
// an empty hint list.
type memoryEnricher struct {
	core     *memory.Core
	recall   *recall.Recall
	archival *archival.Archival
	graph    *graph.Graph
}

const hintLimit = 5

func (e *memoryEnricher) CoreHints(ctx context.Context, userID string) ([]string, error) {
	facts, err := e.core.List(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, len(facts))
	for _, f := range facts {
		hints = append(hints, fmt.Sprintf("%s: %s", f.Key, f.Value))
		if len(hints) >= hintLimit {
			break
		}
	}
	return hints, nil
}

func (e *memoryEnricher) RecallHints(ctx context.Context, userID, query string) ([]string, error) {
	items, err := e.recall.Search(ctx, userID, query, recall.SearchOptions{Limit: hintLimit})
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, len(items))
	for _, it := range items {
		hints = append(hints, it.Content)
	}
	return hints, nil
}

func (e *memoryEnricher) ArchivalHints(ctx context.Context, userID, query string) ([]string, error) {
	items, err := e.archival.SearchByContent(ctx, userID, query, hintLimit)
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, len(items))
	for _, it := range items {
		hints = append(hints, it.Content)
	}
	return hints, nil
}

func (e *memoryEnricher) GraphHints(ctx context.Context, userID, query string) ([]string, error) {
	nodes, err := e.graph.SearchNodes(ctx, userID, query, graph.SearchOptions{Limit: hintLimit})
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeType != "" {
			hints = append(hints, fmt.Sprintf("%s (%s)", n.Label, n.NodeType))
			continue
		}
		hints = append(hints, n.Label)
	}
	return hints, nil
}

// storePersister writes one turn's two messages in a single transaction.
type storePersister struct {
	store *store.Store
}

func (p *storePersister) PersistTurn(ctx context.Context, sessionID, userID, userText, assistantText string, partial bool) error {
	if err := p.store.EnsureSession(ctx, sessionID, userID); err != nil {
		return err
	}
	return p.store.AppendTurn(ctx, sessionID, userID,
		userText, tokenutil.EstimateTokens(userText),
		assistantText, tokenutil.EstimateTokens(assistantText),
		partial)
}

// metricFanout records each turn's structured event into the store, the
// OpenTelemetry instruments, and the bus, and prices the token usage.
type metricFanout struct {
	store     *store.Store
	metrics   *otelpkg.Metrics
	bus       *bus.Bus
	chatModel string
}

func (m *metricFanout) Emit(ctx context.Context, event pipeline.MetricEvent) {
	cost := pricing.EstimateCost(m.chatModel, event.TokensIn, event.TokensOut)

	if m.store != nil {
		_ = m.store.InsertMetricEvent(ctx, store.MetricEvent{
			UserIDHash:   event.UserIDHash,
			Intent:       event.Intent,
			Confidence:   event.Confidence,
			LatencyMs:    event.LatencyMs,
			TokensIn:     event.TokensIn,
			TokensOut:    event.TokensOut,
			SourcesCount: event.SourcesCount,
		})
	}
	if m.metrics != nil {
		m.metrics.TurnDuration.Record(ctx, float64(event.LatencyMs)/1000)
		m.metrics.TokensUsed.Add(ctx, int64(event.TokensIn+event.TokensOut))
		m.metrics.EstimatedCostUSD.Add(ctx, cost)
		m.metrics.IntentsClassified.Add(ctx, 1)
		if event.Partial {
			m.metrics.PartialTurns.Add(ctx, 1)
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicTurnCompleted, bus.TurnCompletedEvent{
			Intent:           event.Intent,
			TokensIn:         event.TokensIn,
			TokensOut:        event.TokensOut,
			EstimatedCostUSD: cost,
			Partial:          event.Partial,
		})
	}
}

// statsAdapter maps the store's metric summary onto the gateway payload.
type statsAdapter struct {
	store *store.Store
}

func (a *statsAdapter) QueryStats(ctx context.Context, since time.Time) (gateway.RequestStats, error) {
	s, err := a.store.QueryStats(ctx, since)
	if err != nil {
		return gateway.RequestStats{}, err
	}
	return gateway.RequestStats{
		Total:         s.TotalRequests,
		AvgLatencyMs:  s.AvgLatencyMs,
		AvgConfidence: s.AvgConfidence,
		IntentCounts:  s.IntentCounts,
	}, nil
}

// approvalPoller adapts the store's approval rows to the orchestrator's
// blocking PollApproval contract. A bus subscription wakes it as soon as an
// operator resolves the request; a slow ticker covers resolutions that
// arrive through other replicas, and the deadline maps to "timeout".
type approvalPoller struct {
	store *store.Store
	bus   *bus.Bus
}

func (p *approvalPoller) CreateApproval(ctx context.Context, userID, intentCategory string, timeout time.Duration) (string, error) {
	id, err := p.store.CreateApproval(ctx, userID, intentCategory, timeout)
	if err != nil {
		return "", err
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequestedEvent{RequestID: id, Intent: intentCategory})
	}
	return id, nil
}

func (p *approvalPoller) PollApproval(ctx context.Context, requestID string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var sub *bus.Subscription
	if p.bus != nil {
		sub = p.bus.Subscribe(bus.TopicApprovalResolved)
		defer p.bus.Unsubscribe(sub)
	}
	var wake <-chan bus.Event
	if sub != nil {
		wake = sub.Ch()
	}

	for {
		rec, err := p.store.GetApproval(ctx, requestID)
		if err != nil {
			return "", err
		}
		if rec != nil && rec.Status != "pending" {
			return rec.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "timeout", nil
		case ev := <-wake:
			if resolved, ok := ev.Payload.(bus.ApprovalResolvedEvent); ok && resolved.RequestID != requestID {
				continue
			}
		case <-ticker.C:
		}
	}
}

// sessionTracker sits between the pipeline and the orchestrator: it owns
// the live Context Engine session for each turn, feeding the recent log in
// as history and folding both sides of the turn back into the session.
type sessionTracker struct {
	sessions *convo.Manager
	orch     *orchestrator.Orchestrator

	// OverflowReply is sent when a turn cannot fit even after reduction;
	// the session itself stays usable.
	overflowReply string
}

const defaultOverflowReply = "That message is too large for this conversation. Try something shorter."

func (t *sessionTracker) Handle(ctx context.Context, turn orchestrator.Turn, onChunk func(string) error) orchestrator.Outcome {
	sess := t.sessions.Get(turn.SessionID)

	if err := sess.AddMessage(ctx, "user", convo.Content{Text: turn.Text}); err != nil {
		reply := t.overflowReply
		if reply == "" {
			reply = defaultOverflowReply
		}
		if onChunk != nil {
			_ = onChunk(reply)
		}
		return orchestrator.Outcome{State: orchestrator.StateDone, Category: "unknown", Err: err}
	}

	turn.History = sessionHistory(ctx, sess)

	var full strings.Builder
	outcome := t.orch.Handle(ctx, turn, func(chunk string) error {
		full.WriteString(chunk)
		if onChunk != nil {
			return onChunk(chunk)
		}
		return nil
	})

	if full.Len() > 0 {
		// Best-effort: the durable record is the Persister's transaction,
		// this only keeps the in-memory window current.
		_ = sess.AddMessage(ctx, "assistant", convo.Content{Text: full.String()})
	}
	return outcome
}

// sessionHistory converts the session log (minus the just-appended user
// message) into the agent history format.
func sessionHistory(ctx context.Context, sess *convo.Session) []agent.Message {
	msgs, err := sess.GetContext(ctx)
	if err != nil || len(msgs) <= 1 {
		return nil
	}
	msgs = msgs[:len(msgs)-1]
	history := make([]agent.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, agent.Message{Role: m.Role, Content: m.Content.Text})
	}
	return history
}
