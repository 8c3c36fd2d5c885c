package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLog_RecordsJSONLEntries(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Record("approved", "approval.resolve", "operator decision", "req-1")
	l.Record("denied", "approval.resolve", "operator decision", "req-2")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}

	var first entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Decision != "approved" || first.Action != "approval.resolve" || first.Subject != "req-1" {
		t.Fatalf("unexpected entry: %+v", first)
	}
	if first.Timestamp == "" {
		t.Fatal("expected a timestamp")
	}
}

func TestLog_CountsDenials(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Record("approved", "a", "r", "s")
	l.Record("denied", "a", "r", "s")
	l.Record("blocked", "pipeline.input", "prompt injection", "hash")

	if got := l.DenyCount(); got != 2 {
		t.Fatalf("deny count = %d, want 2", got)
	}
}

func TestLog_RedactsSecretsInReasonAndSubject(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Record("blocked", "pipeline.input", "found api_key=abcdef1234567890abcdef in message", "user")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890abcdef") {
		t.Fatalf("expected secret to be redacted, got %s", raw)
	}
}

func TestLog_CloseIsIdempotentAndRecordAfterCloseIsSafe(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	l.Record("approved", "a", "r", "s") // must not panic
}
