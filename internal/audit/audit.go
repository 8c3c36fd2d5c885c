// Package audit appends an operator-facing JSONL trail of security-relevant
// decisions: approval resolutions, blocked inbound messages, policy denials.
// Entries never contain message content; subjects are ids or salted hashes.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/cortexkeep/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

// Log is an append-only JSONL audit sink. Open it once from the composition
// root; Record is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// Close flushes and closes the underlying file. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one audit entry. Reason and subject pass through secret
// redaction before touching disk.
func (l *Log) Record(decision, action, reason, subject string) {
	if decision == "denied" || decision == "blocked" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    reason,
		Subject:   subject,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
