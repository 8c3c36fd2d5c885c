// Package apperr defines the error taxonomy shared across the pipeline so
// callers can branch with errors.As instead of string matching.
package apperr

import "fmt"

// ConfigError is fatal at startup only.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StoreUnavailable is a transient dependency problem; callers retry with backoff.
type StoreUnavailable struct {
	Op  string
	Err error
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailable) Unwrap() error { return e.Err }

// StoreConflict is a non-retriable uniqueness/foreign-key violation.
type StoreConflict struct {
	Op  string
	Err error
}

func (e *StoreConflict) Error() string {
	return fmt.Sprintf("store conflict during %s: %v", e.Op, e.Err)
}

func (e *StoreConflict) Unwrap() error { return e.Err }

// EmbeddingErrorKind distinguishes retriable from terminal embedding failures.
type EmbeddingErrorKind string

const (
	EmbeddingTransient EmbeddingErrorKind = "transient"
	EmbeddingPermanent EmbeddingErrorKind = "permanent"
)

type EmbeddingError struct {
	Kind     EmbeddingErrorKind
	Model    string
	TextLen  int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding error (%s, model=%s, len=%d): %v", e.Kind, e.Model, e.TextLen, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// LLMErrorKind distinguishes retriable, terminal, and cancelled LLM failures.
type LLMErrorKind string

const (
	LLMTransient LLMErrorKind = "transient"
	LLMPermanent LLMErrorKind = "permanent"
	LLMCancelled LLMErrorKind = "cancelled"
)

type LLMError struct {
	Kind  LLMErrorKind
	Model string
	Err   error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm error (%s, model=%s): %v", e.Kind, e.Model, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// RateLimited is not an error to the caller in the usual sense; the pipeline
// waits rather than failing. It still implements error so it can flow
// through standard error-returning signatures when a caller chooses not to wait.
type RateLimited struct {
	Channel string
	Wait    string // human-readable wait duration, for logging only
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited on channel %s, wait %s", e.Channel, e.Wait)
}

// MemoryError is a Core/Recall/Archival Memory component-level failure.
type MemoryError struct {
	Kind string // "core", "recall", "archival"
	Key  string
	Err  error
}

func (e *MemoryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("memory error (%s, key=%s): %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("memory error (%s): %v", e.Kind, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// GraphError is a Knowledge Graph component-level failure.
type GraphError struct {
	Op  string
	ID  string
	Err error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph error (%s, id=%s): %v", e.Op, e.ID, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

// ContextError is a Context Engine invariant violation (e.g. absolute token cap exceeded).
type ContextError struct {
	SessionID string
	Reason    string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("context error (session=%s): %s", e.SessionID, e.Reason)
}

// AuthorizationError is a cross-user access attempt; always surfaced, never retried.
type AuthorizationError struct {
	UserID  string
	Owner   string
	Op      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization error: user %s attempted %s on resource owned by %s", e.UserID, e.Op, e.Owner)
}

// CancelledError is cooperative cancellation; callers must not log it as a failure.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Op)
}

// Wrap folds an error of unknown provenance into the nearest semantic kind,
// keeping the original as the cause. Components must never let a bare,
// unclassified error escape their boundary.
func Wrap(kind string, op string, err error) error {
	if err == nil {
		return nil
	}
	switch kind {
	case "store_unavailable":
		return &StoreUnavailable{Op: op, Err: err}
	case "store_conflict":
		return &StoreConflict{Op: op, Err: err}
	case "memory":
		return &MemoryError{Kind: op, Err: err}
	case "graph":
		return &GraphError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
