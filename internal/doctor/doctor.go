// Package doctor runs startup diagnostics: configuration, credentials,
// store reachability, filesystem permissions, and provider DNS. The
// composition root runs it once at boot and logs anything non-passing;
// the admin gateway's /health endpoint handles steady-state liveness.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/cortexkeep/internal/config"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Pinger reports whether the backing store answers; the composition root
// passes the pool's Ping so this package never owns a connection.
type Pinger func(ctx context.Context) error

// Run executes all diagnostic checks. storePing may be nil when no store
// has been opened yet (the check reports SKIP).
func Run(ctx context.Context, cfg *config.Config, version string, storePing Pinger) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(ctx, cfg))
	d.Results = append(d.Results, checkAPIKey(ctx, cfg))
	d.Results = append(d.Results, checkStore(ctx, storePing))
	d.Results = append(d.Results, checkPermissions(ctx, cfg))
	d.Results = append(d.Results, checkNetwork(ctx, cfg))

	return d
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (defaults in effect)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}

	envVar, ok := envVars[provider]
	if !ok {
		// openai_compatible and friends carry their key in config.
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Provider %q uses api_key from config (no standard env var)", provider)}
	}

	if os.Getenv(envVar) != "" || cfg.APIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("credential present for %s", provider)}
	}

	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
	}
}

func checkStore(ctx context.Context, ping Pinger) CheckResult {
	if ping == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "No store configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ping(pingCtx); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	return CheckResult{Name: "Store", Status: "PASS", Message: "Connection valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}

	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
