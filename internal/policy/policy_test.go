package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_GatesNothing(t *testing.T) {
	p := Default()
	for _, c := range []string{"memory_store", "graph_query", "chitchat"} {
		if p.RequiresApproval(c) {
			t.Fatalf("default policy unexpectedly gates %q", c)
		}
	}
	if !p.AllowCommand("help") {
		t.Fatal("default policy unexpectedly denies a command")
	}
}

func TestLoad_MissingFileYieldsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.RequiresApproval("memory_store") {
		t.Fatal("expected the default (open) policy")
	}
}

func TestLoad_ParsesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "approve_intents:\n  - Memory_Store\ndeny_commands:\n  - forgetall\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.RequiresApproval("memory_store") {
		t.Fatal("expected memory_store to be gated (case-insensitive)")
	}
	if p.RequiresApproval("chitchat") {
		t.Fatal("ungated category should not require approval")
	}
	if p.AllowCommand("forgetall") {
		t.Fatal("expected forgetall to be denied")
	}
	if !p.AllowCommand("status") {
		t.Fatal("expected other commands to remain allowed")
	}
}

func TestLoad_RejectsUnknownCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("approve_intents:\n  - launch_missiles\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown category")
	}
}

func TestPolicyVersion_TracksContents(t *testing.T) {
	a := Policy{ApproveIntents: []string{"memory_store"}}
	b := Policy{ApproveIntents: []string{"graph_query"}}
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("different policies must have different versions")
	}
	if a.PolicyVersion() != a.PolicyVersion() {
		t.Fatal("version must be deterministic")
	}
}

func TestLivePolicy_ReloadSwapsAtomically(t *testing.T) {
	lp := NewLivePolicy(Default())
	if lp.RequiresApproval("memory_store") {
		t.Fatal("fresh live policy should gate nothing")
	}

	lp.Reload(Policy{ApproveIntents: []string{"memory_store"}})
	if !lp.RequiresApproval("memory_store") {
		t.Fatal("reloaded policy should gate memory_store")
	}
	if got := lp.Snapshot(); !got.RequiresApproval("memory_store") {
		t.Fatalf("snapshot diverges from live policy: %+v", got)
	}
}
