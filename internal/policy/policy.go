// Package policy decides which classified intents need human sign-off
// before an agent may act on them, and which chat commands operators have
// disabled. Policies are plain YAML so a deployment can tighten them
// without a rebuild; a LivePolicy supports atomic reload.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the read-only view consumers hold.
type Checker interface {
	RequiresApproval(category string) bool
	AllowCommand(command string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// ApproveIntents lists intent categories that enter PENDING_APPROVAL
	// instead of generating immediately. Empty means nothing is gated.
	ApproveIntents []string `yaml:"approve_intents"`

	// DenyCommands lists prefixed chat commands that are refused outright.
	DenyCommands []string `yaml:"deny_commands"`
}

// Default returns the open policy: no gated intents, no denied commands.
func Default() Policy {
	return Policy{}
}

// knownCategories mirrors the Intent Classifier's closed label set; a
// policy naming anything else is a configuration error.
var knownCategories = map[string]struct{}{
	"greeting":        {},
	"farewell":        {},
	"thanks":          {},
	"help":            {},
	"status":          {},
	"knowledge_query": {},
	"memory_store":    {},
	"memory_retrieve": {},
	"graph_query":     {},
	"chitchat":        {},
	"out_of_scope":    {},
	"unknown":         {},
}

// Load reads a policy file. A missing file yields the default policy; a
// malformed or unknown-category file is an error.
func Load(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, err
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, c := range p.ApproveIntents {
		if _, ok := knownCategories[normalize(c)]; !ok {
			return fmt.Errorf("policy approve_intents names unknown category %q", c)
		}
	}
	return nil
}

// RequiresApproval reports whether the category is gated behind a human
// decision.
func (p Policy) RequiresApproval(category string) bool {
	return containsNormalized(p.ApproveIntents, category)
}

// AllowCommand reports whether a prefixed chat command may run.
func (p Policy) AllowCommand(command string) bool {
	return !containsNormalized(p.DenyCommands, command)
}

// PolicyVersion derives a stable short version string from the policy
// contents, recorded on every audit entry so a decision can be traced to
// the exact rules that produced it.
func (p Policy) PolicyVersion() string {
	h := fnv.New32a()
	for _, c := range p.ApproveIntents {
		_, _ = h.Write([]byte("a:" + normalize(c)))
	}
	for _, c := range p.DenyCommands {
		_, _ = h.Write([]byte("d:" + normalize(c)))
	}
	return "v" + strconv.FormatUint(uint64(h.Sum32()), 16)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsNormalized(slice []string, val string) bool {
	val = normalize(val)
	for _, s := range slice {
		if normalize(s) == val {
			return true
		}
	}
	return false
}

// LivePolicy wraps a Policy with atomic reload so long-lived consumers
// always see a coherent rule set.
type LivePolicy struct {
	mu sync.RWMutex
	p  Policy
}

// NewLivePolicy wraps an initial policy.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{p: initial}
}

// RequiresApproval implements Checker.
func (lp *LivePolicy) RequiresApproval(category string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.p.RequiresApproval(category)
}

// AllowCommand implements Checker.
func (lp *LivePolicy) AllowCommand(command string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.p.AllowCommand(command)
}

// PolicyVersion implements Checker.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.p.PolicyVersion()
}

// Reload swaps in a new policy wholesale.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.p = p
}

// Snapshot returns a copy of the current policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.p
}
