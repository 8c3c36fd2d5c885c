package convo

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/cortexkeep/internal/tokenutil"
)

// Summarizer compresses messages into a brief summary. Implementations may
// call an LLM, so callers must never hold the session lock while invoking
// one.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// StaticSummarizer is a no-LLM fallback, used when no real summarizer is
// configured or as a deterministic default in tests.
type StaticSummarizer struct{}

func (s *StaticSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[Summary of %d earlier messages]", len(messages)), nil
}

type reduceResult struct {
	messages   []Message
	tokenCount int
}

// reduce dispatches to the session's configured mode, always releasing the
// session lock before any mode that performs I/O (summary).
func (s *Session) reduce(ctx context.Context) error {
	s.mu.Lock()
	msgs := append([]Message(nil), s.messages...)
	mode := s.cfg.Mode
	maxTokens := s.cfg.MaxTokens
	counter := s.cfg.Counter
	s.mu.Unlock()

	var result reduceResult
	switch mode {
	case ModeCompact:
		result = s.reduceCompact(msgs, counter)
	case ModeSummary:
		var err error
		result, _, err = s.reduceSummary(ctx, msgs, maxTokens)
		if err != nil {
			return err
		}
	default:
		result = s.reduceFull(msgs, maxTokens)
	}

	s.mu.Lock()
	s.messages = result.messages
	s.tokenCount = result.tokenCount
	s.mu.Unlock()
	return nil
}

// reduceFull keeps the most recent messages up to budget, preserving order:
// walk newest to oldest collecting while the budget holds, then reverse
// once. Dropped messages are offloaded rather than discarded.
func (s *Session) reduceFull(msgs []Message, maxTokens int) reduceResult {
	if len(msgs) == 0 {
		return reduceResult{}
	}

	var kept []Message
	total := 0
	cut := len(msgs) // index below which messages are dropped
	for i := len(msgs) - 1; i >= 0; i-- {
		if maxTokens > 0 && total+msgs[i].Tokens > maxTokens {
			cut = i + 1
			break
		}
		kept = append(kept, msgs[i])
		total += msgs[i].Tokens
		cut = i
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	s.offloadDropped(msgs[:cut])
	return reduceResult{messages: kept, tokenCount: total}
}

// reduceCompact keeps every message but collapses whitespace in text parts,
// recomputing token counts. No I/O, so it never needs to release the lock.
func (s *Session) reduceCompact(msgs []Message, counter tokenutil.Counter) reduceResult {
	out := make([]Message, len(msgs))
	total := 0
	for i, m := range msgs {
		compacted := m
		if len(m.Content.Parts) == 0 {
			compacted.Content = Content{Text: collapseWhitespace(m.Content.Text)}
		} else {
			parts := make([]Part, len(m.Content.Parts))
			for j, p := range m.Content.Parts {
				parts[j] = Part{Type: p.Type, Text: collapseWhitespace(p.Text)}
			}
			compacted.Content = Content{Parts: parts}
		}
		compacted.Tokens = counter.Count(compacted.Content.flatten())
		out[i] = compacted
		total += compacted.Tokens
	}
	return reduceResult{messages: out, tokenCount: total}
}

// reduceSummary preserves system messages (summarized if they alone exceed
// budget) plus the latest conversational messages that fit the remainder.
// Returns the summary text produced, if any.
func (s *Session) reduceSummary(ctx context.Context, msgs []Message, maxTokens int) (reduceResult, string, error) {
	var systemMsgs, convoMsgs []Message
	for _, m := range msgs {
		if m.Role == "system" {
			systemMsgs = append(systemMsgs, m)
		} else {
			convoMsgs = append(convoMsgs, m)
		}
	}

	systemTokens := 0
	for _, m := range systemMsgs {
		systemTokens += m.Tokens
	}

	var summary string
	kept := systemMsgs
	keptTokens := systemTokens

	if maxTokens > 0 && systemTokens > maxTokens {
		// System messages alone exceed budget: compress them via the
		// summarizer, which may call out to an LLM (no lock held here).
		text, err := s.summarizer.Summarize(ctx, systemMsgs)
		if err != nil {
			return reduceResult{}, "", err
		}
		summary = text
		summaryMsg := Message{Role: "system", Content: Content{Text: summary}, Tokens: s.cfg.Counter.Count(summary)}
		kept = []Message{summaryMsg}
		keptTokens = summaryMsg.Tokens
	}

	// When the preserved system messages already consume the whole budget,
	// remaining is <= 0 and every conversational message is offloaded, so
	// the reduced log never exceeds maxTokens.
	remaining := maxTokens - keptTokens
	var latest []Message
	total := 0
	cut := len(convoMsgs)
	for i := len(convoMsgs) - 1; i >= 0; i-- {
		if total+convoMsgs[i].Tokens > remaining {
			cut = i + 1
			break
		}
		latest = append(latest, convoMsgs[i])
		total += convoMsgs[i].Tokens
		cut = i
	}
	for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
		latest[i], latest[j] = latest[j], latest[i]
	}
	s.offloadDropped(convoMsgs[:cut])

	out := append(kept, latest...)
	return reduceResult{messages: out, tokenCount: keptTokens + total}, summary, nil
}

// offloadDropped moves messages removed by reduction into the shared
// offload cache instead of discarding them, keyed by their stable log index
// with priority equal to that index so older entries are evicted from the
// cache first too.
func (s *Session) offloadDropped(dropped []Message) {
	if s.offload == nil {
		return
	}
	for _, m := range dropped {
		s.offload.Put(offloadKey{sessionID: s.id, index: m.Index}, m, m.Index)
	}
}

func collapseWhitespace(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
