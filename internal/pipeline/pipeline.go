// Package pipeline implements the Message Pipeline: the boundary
// coordinator between an inbound channel message and the Orchestrator,
// responsible for rate limiting, input screening, command short-circuiting,
// and structured (never-raw-content) metric emission.
package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/orchestrator"
	"github.com/basket/cortexkeep/internal/ratelimit"
	"github.com/basket/cortexkeep/internal/safety"
	"github.com/basket/cortexkeep/internal/shared"
)

// Inbound is one message handed to the pipeline by a channel adapter
// (Discord gateway or any other transport; the transport itself is an
// external collaborator, not part of this module).
type Inbound struct {
	MessageText string
	AuthorID    string
	IsBotAuthor bool
	ChannelID   string
	SessionID   string
	IsDM        bool
	ReplyFn     func(chunk string) error
}

// MetricSink receives one structured event per handled turn. Implementations
// must never be handed user content; the pipeline only ever passes the
// fields on MetricEvent.
type MetricSink interface {
	Emit(ctx context.Context, event MetricEvent)
}

// MetricEvent is the structured record emitted per turn: enough to
// observe system behavior without ever logging message content. UserIDHash
// is a salted HMAC, never the raw author id.
type MetricEvent struct {
	UserIDHash   string
	Intent       string
	Confidence   float64
	LatencyMs    int64
	TokensIn     int
	TokensOut    int
	SourcesCount int
	Partial      bool
	Failed       bool
}

// Handler is the Orchestrator entrypoint the pipeline drives.
type Handler interface {
	Handle(ctx context.Context, turn orchestrator.Turn, onChunk func(string) error) orchestrator.Outcome
}

// Config wires the pipeline's collaborators.
type Config struct {
	Limiter       *ratelimit.Limiter
	Handler       Handler
	Metrics       MetricSink
	Sanitizer     *safety.Sanitizer
	Leaks         *safety.LeakDetector
	HashSalt      string
	CommandPrefix string
	HelpReply     string
	BlockedReply  string
	Logger        *slog.Logger
}

// Pipeline is the single per-process instance every inbound message flows
// through.
type Pipeline struct {
	cfg Config
}

const (
	defaultHelpReply    = "Send me a message and I'll do my best to help. Try asking a question or telling me something to remember."
	defaultBlockedReply = "I can't process that message."
)

// New builds a Pipeline. HashSalt must be non-empty so user id hashes can't
// be reversed by rainbow table against a known salt.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Limiter == nil || cfg.Handler == nil {
		return nil, &apperr.ConfigError{Field: "pipeline", Err: errMissingCollaborator}
	}
	if cfg.HashSalt == "" {
		return nil, &apperr.ConfigError{Field: "pipeline.hash_salt", Err: errMissingSalt}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HelpReply == "" {
		cfg.HelpReply = defaultHelpReply
	}
	if cfg.BlockedReply == "" {
		cfg.BlockedReply = defaultBlockedReply
	}
	return &Pipeline{cfg: cfg}, nil
}

var (
	errMissingCollaborator = pipelineErr("pipeline requires a rate limiter and a handler")
	errMissingSalt         = pipelineErr("pipeline requires a non-empty hash salt")
)

type pipelineErr string

func (e pipelineErr) Error() string { return string(e) }

// CommandResult is returned when a message matched the command prefix and
// was handled without reaching the orchestrator.
type CommandResult struct {
	Matched  bool
	Response string
}

// CommandHandler resolves a prefixed command to a response, bypassing
// intent classification and agent generation entirely.
type CommandHandler func(command string, args []string) (CommandResult, error)

// Handle runs one inbound message through the pipeline: drop bot authors,
// acquire rate-limit tokens (suspending the caller, never dropping the
// message), screen the input, short-circuit on a command prefix or an
// empty message, then hand off to the Orchestrator and emit one structured
// metric event.
func (p *Pipeline) Handle(ctx context.Context, in Inbound, commands CommandHandler) error {
	if in.IsBotAuthor {
		return nil
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	if err := p.cfg.Limiter.Acquire(ctx, in.ChannelID); err != nil {
		return err
	}

	trimmed := strings.TrimSpace(in.MessageText)

	// An empty message never reaches the classifier or the store; the
	// canned help reply is the entire turn.
	if trimmed == "" {
		if in.ReplyFn != nil {
			if err := in.ReplyFn(p.cfg.HelpReply); err != nil {
				return err
			}
		}
		p.emit(ctx, in.AuthorID, orchestrator.Outcome{State: orchestrator.StateDone, Category: "unknown"}, 0)
		return nil
	}

	if p.cfg.CommandPrefix != "" && strings.HasPrefix(trimmed, p.cfg.CommandPrefix) {
		if commands != nil {
			fields := strings.Fields(strings.TrimPrefix(trimmed, p.cfg.CommandPrefix))
			if len(fields) > 0 {
				result, err := commands(fields[0], fields[1:])
				if err != nil {
					return err
				}
				if result.Matched {
					if in.ReplyFn != nil {
						return in.ReplyFn(result.Response)
					}
					return nil
				}
			}
		}
	}

	if p.cfg.Sanitizer != nil {
		check := p.cfg.Sanitizer.Check(in.MessageText)
		switch check.Action {
		case safety.ActionBlock:
			p.cfg.Logger.Warn("inbound message blocked",
				"trace_id", shared.TraceID(ctx),
				"channel_id", in.ChannelID,
				"reason", check.Reason)
			if in.ReplyFn != nil {
				return in.ReplyFn(p.cfg.BlockedReply)
			}
			return nil
		case safety.ActionWarn:
			p.cfg.Logger.Warn("suspicious inbound message",
				"trace_id", shared.TraceID(ctx),
				"channel_id", in.ChannelID,
				"reason", check.Reason)
		}
	}

	start := time.Now()
	outcome := p.cfg.Handler.Handle(ctx, orchestrator.Turn{
		SessionID: in.SessionID,
		UserID:    in.AuthorID,
		Text:      in.MessageText,
	}, p.guardedReply(ctx, in.ReplyFn))
	latency := time.Since(start)

	p.emit(ctx, in.AuthorID, outcome, latency.Milliseconds())

	if outcome.State == orchestrator.StateFailed {
		p.cfg.Logger.Error("turn failed",
			"trace_id", shared.TraceID(ctx),
			"channel_id", in.ChannelID,
			"intent", string(outcome.Category),
			"err", outcome.Err)
		return outcome.Err
	}
	return nil
}

// guardedReply wraps the outbound reply sink with a leak scan: a chunk that
// trips the detector is redacted before it leaves the process.
func (p *Pipeline) guardedReply(ctx context.Context, reply func(string) error) func(string) error {
	if reply == nil {
		return nil
	}
	if p.cfg.Leaks == nil {
		return reply
	}
	return func(chunk string) error {
		if warnings := p.cfg.Leaks.Scan(chunk); len(warnings) > 0 {
			for _, w := range warnings {
				p.cfg.Logger.Warn("leak detected in outbound chunk",
					"trace_id", shared.TraceID(ctx),
					"pattern", w.Pattern)
			}
			chunk = shared.Redact(chunk)
		}
		return reply(chunk)
	}
}

func (p *Pipeline) emit(ctx context.Context, authorID string, outcome orchestrator.Outcome, latencyMs int64) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.Emit(ctx, MetricEvent{
		UserIDHash:   p.hashUserID(authorID),
		Intent:       string(outcome.Category),
		Confidence:   outcome.Confidence,
		LatencyMs:    latencyMs,
		TokensIn:     outcome.TokensIn,
		TokensOut:    outcome.TokensOut,
		SourcesCount: outcome.Sources,
		Partial:      outcome.Partial,
		Failed:       outcome.State == orchestrator.StateFailed,
	})
}

// hashUserID salts and HMACs the author id so metric events never carry a
// reversible user identifier.
func (p *Pipeline) hashUserID(userID string) string {
	mac := hmac.New(sha256.New, []byte(p.cfg.HashSalt))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
