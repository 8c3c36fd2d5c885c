// Package convo implements the Context Engine: per-session
// message log, deterministic token accounting, reduction, and an
// offload cache for messages displaced by reduction.
package convo

import (
	"context"
	"sync"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/tokenutil"
)

// Mode selects how a session reduces its message log once it exceeds budget.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeCompact Mode = "compact"
	ModeSummary Mode = "summary"
)

// Part is one piece of multimodal message content.
type Part struct {
	Type string // "text", "image", ...
	Text string
}

// Content is a message body: either plain text or a list of multimodal
// parts. Exactly one of Text or Parts is populated.
type Content struct {
	Text  string
	Parts []Part
}

// flatten returns the content's text for token counting and compaction,
// concatenating multimodal text parts in order.
func (c Content) flatten() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	total := 0
	for _, p := range c.Parts {
		total += len(p.Text)
	}
	out := make([]byte, 0, total+len(c.Parts))
	for i, p := range c.Parts {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, p.Text...)
	}
	return string(out)
}

// Message is one entry in a session's ordered log. Index is a monotonic
// position assigned at AddMessage time, stable across reductions, and used
// as the offload cache key.
type Message struct {
	Role    string
	Content Content
	Tokens  int
	Index   int
}

// Stats is the session_stats operation's result.
type Stats struct {
	MessageCount   int
	TokenCount     int
	OffloadedCount int
	MaxTokens      int
	Mode           Mode
}

// Config controls a session's budget and reduction behavior.
type Config struct {
	MaxTokens   int // token_count above this triggers reduction when AutoReduce
	AbsoluteCap int // AddMessage fails rather than exceed this
	AutoReduce  bool
	Mode        Mode
	Counter     tokenutil.Counter
}

// Session holds one conversation's message log and token accounting. The
// session lock guards only the in-memory log; it is always released before
// any I/O (summarization, store, embedding)
type Session struct {
	id  string
	cfg Config

	mu         sync.Mutex
	messages   []Message
	tokenCount int
	nextIndex  int // monotonic index assigned to each message, offload key component

	summarizer Summarizer
	offload    *OffloadCache
}

// NewSession creates a session backed by a shared offload cache (typically
// one cache per process, sized by OffloadCap across sessions).
func NewSession(id string, cfg Config, summarizer Summarizer, offload *OffloadCache) *Session {
	if cfg.Counter == nil {
		cfg.Counter = tokenutil.Default
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if summarizer == nil {
		summarizer = &StaticSummarizer{}
	}
	return &Session{id: id, cfg: cfg, summarizer: summarizer, offload: offload}
}

func (s *Session) countTokens(c Content) int {
	return s.cfg.Counter.Count(c.flatten())
}

// AddMessage appends a message, updates the running token count, and
// triggers reduction if the session is over budget and AutoReduce is set.
// Returns ContextError if the absolute token cap would be exceeded.
func (s *Session) AddMessage(ctx context.Context, role string, content Content) error {
	tokens := s.countTokens(content)

	s.mu.Lock()
	if s.cfg.AbsoluteCap > 0 && s.tokenCount+tokens > s.cfg.AbsoluteCap {
		s.mu.Unlock()
		return &apperr.ContextError{SessionID: s.id, Reason: "token count would exceed the absolute cap"}
	}
	idx := s.nextIndex
	s.nextIndex++
	s.messages = append(s.messages, Message{Role: role, Content: content, Tokens: tokens, Index: idx})
	s.tokenCount += tokens
	needsReduce := s.cfg.AutoReduce && s.cfg.MaxTokens > 0 && s.tokenCount > s.cfg.MaxTokens
	s.mu.Unlock()

	if needsReduce {
		return s.reduce(ctx)
	}
	return nil
}

// GetContext returns a copy of the current message log.
func (s *Session) GetContext(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// SessionStats returns a snapshot of the session's bookkeeping.
func (s *Session) SessionStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offloaded := 0
	if s.offload != nil {
		offloaded = s.offload.CountForSession(s.id)
	}
	return Stats{
		MessageCount:   len(s.messages),
		TokenCount:     s.tokenCount,
		OffloadedCount: offloaded,
		MaxTokens:      s.cfg.MaxTokens,
		Mode:           s.cfg.Mode,
	}, nil
}

// Summarize runs the summary reduction on demand and returns the resulting
// summary text, without requiring the session to be over budget first.
func (s *Session) Summarize(ctx context.Context) (string, error) {
	s.mu.Lock()
	msgs := append([]Message(nil), s.messages...)
	maxTokens := s.cfg.MaxTokens
	s.mu.Unlock()

	result, summary, err := s.reduceSummary(ctx, msgs, maxTokens)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.messages = result.messages
	s.tokenCount = result.tokenCount
	s.mu.Unlock()
	return summary, nil
}

// RestoreOffloaded loads a previously offloaded message back into the live
// context, recording a cache hit.
func (s *Session) RestoreOffloaded(ctx context.Context, index int) (bool, error) {
	if s.offload == nil {
		return false, nil
	}
	msg, ok := s.offload.Take(offloadKey{sessionID: s.id, index: index})
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.tokenCount += msg.Tokens
	return true, nil
}
