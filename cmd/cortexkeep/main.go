// Command cortexkeep is the composition root: it loads configuration, opens
// every singleton collaborator exactly once, wires the message pipeline,
// and serves the admin HTTP surface until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/cortexkeep/internal/agent"
	"github.com/basket/cortexkeep/internal/archival"
	"github.com/basket/cortexkeep/internal/audit"
	"github.com/basket/cortexkeep/internal/bus"
	"github.com/basket/cortexkeep/internal/config"
	"github.com/basket/cortexkeep/internal/convo"
	"github.com/basket/cortexkeep/internal/cron"
	"github.com/basket/cortexkeep/internal/doctor"
	"github.com/basket/cortexkeep/internal/embedding"
	"github.com/basket/cortexkeep/internal/gateway"
	"github.com/basket/cortexkeep/internal/graph"
	"github.com/basket/cortexkeep/internal/intent"
	"github.com/basket/cortexkeep/internal/memory"
	otelpkg "github.com/basket/cortexkeep/internal/otel"
	"github.com/basket/cortexkeep/internal/orchestrator"
	"github.com/basket/cortexkeep/internal/pipeline"
	"github.com/basket/cortexkeep/internal/policy"
	"github.com/basket/cortexkeep/internal/ratelimit"
	"github.com/basket/cortexkeep/internal/recall"
	"github.com/basket/cortexkeep/internal/safety"
	"github.com/basket/cortexkeep/internal/store"
	"github.com/basket/cortexkeep/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitCode(err))
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{Enabled: false})
	if err != nil {
		return err
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx, cfg.EmbeddingDim); err != nil {
		return err
	}

	diagnosis := doctor.Run(ctx, &cfg, Version, st.Pool().Ping)
	for _, check := range diagnosis.Results {
		if check.Status != "PASS" {
			logger.Warn("startup check", "name", check.Name, "status", check.Status, "msg", check.Message)
		}
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	pol, err := policy.Load(filepath.Join(cfg.HomeDir, "policy.yaml"))
	if err != nil {
		return err
	}
	livePolicy := policy.NewLivePolicy(pol)

	eventBus := bus.NewWithLogger(logger)

	embedProvider, err := embedding.NewGenAIProvider(ctx, cfg.APIKey("google"), cfg.EmbeddingDim)
	if err != nil {
		return err
	}
	embedClient := embedding.New(embedProvider, embedding.Config{
		Model:     cfg.EmbeddingModel,
		CacheSize: cfg.EmbeddingCacheSize,
		CacheTTL:  cfg.EmbeddingCacheTTL(),
	})

	coreMemory := memory.New(st, cfg.CoreMemoryMax)
	recallMemory := recall.New(st, embedClient)
	archivalMemory := archival.New(st, archivalSummarizer{})
	knowledgeGraph := graph.New(st, embedClient)

	classifier := intent.New(embedClient, cfg.IntentConfidenceThreshold)

	brain := buildBrain(ctx, cfg)
	validator, err := agent.NewStructuredValidator()
	if err != nil {
		return err
	}
	runtime := agent.NewRuntime(brain, validator)
	registry := agent.DefaultRegistry()
	if err := runtime.Start(ctx); err != nil {
		return err
	}
	defer runtime.Stop(context.Background())

	enricher := &memoryEnricher{core: coreMemory, recall: recallMemory, archival: archivalMemory, graph: knowledgeGraph}
	persister := &storePersister{store: st}

	orch, err := orchestrator.New(orchestrator.Config{
		Classifier: classifier,
		Registry:   registry,
		Runtime:    runtime,
		Enricher:   enricher,
		Persister:  persister,
		Approvals:  &approvalPoller{store: st, bus: eventBus},
		RequiresApproval: func(c intent.Category) bool {
			return livePolicy.RequiresApproval(string(c))
		},
		Bus:               eventBus,
		ApprovalTimeout:   2 * time.Minute,
		PersistOutOfScope: cfg.PersistOutOfScope,
	})
	if err != nil {
		return err
	}

	sessions := convo.NewManager(convo.Config{
		MaxTokens:   cfg.MaxContextTokens,
		AbsoluteCap: cfg.MaxContextTokens * 4,
		AutoReduce:  true,
		Mode:        convo.ModeFull,
	}, nil, convo.NewOffloadCache(256))

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:      int(cfg.RateLimitGlobal),
		GlobalBurst:     int(cfg.RateLimitGlobal),
		PerChannelRate:  int(cfg.RateLimitPerChannel),
		PerChannelBurst: int(cfg.RateLimitPerChannel),
	})

	pipe, err := pipeline.New(pipeline.Config{
		Limiter:       limiter,
		Handler:       &sessionTracker{sessions: sessions, orch: orch},
		Metrics:       &metricFanout{store: st, metrics: metrics, bus: eventBus, chatModel: cfg.ChatModel},
		Sanitizer:     safety.NewSanitizer(),
		Leaks:         safety.NewLeakDetector(),
		HashSalt:      cfg.AuditHashSalt,
		CommandPrefix: cfg.CommandPrefix,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	_ = pipe // handed to the channel adapter by the deployment's transport binary; out of this module's scope.

	scheduler := cron.NewScheduler(cron.Config{
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Interval: time.Minute,
		Jobs: []cron.Job{
			{Name: "core_memory_flush", Run: func(ctx context.Context) error {
				if err := coreMemory.FlushAccessCounts(ctx); err != nil {
					return err
				}
				eventBus.Publish(bus.TopicMemoryFlushed, nil)
				return nil
			}},
			{Name: "session_idle_sweep", Run: func(ctx context.Context) error {
				for _, id := range sessions.SweepIdle(cfg.SessionIdleTTL()) {
					if err := st.ExpireSession(ctx, id); err != nil {
						return err
					}
					eventBus.Publish(bus.TopicSessionExpired, id)
				}
				return nil
			}},
			{Name: "offload_sweep", Run: func(ctx context.Context) error {
				_, err := st.SweepExpiredOffloads(ctx, time.Now().Add(-cfg.SessionIdleTTL()))
				return err
			}},
			{Name: "approval_sweep", Run: func(ctx context.Context) error {
				_, err := st.SweepExpiredApprovals(ctx)
				return err
			}},
		},
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	admin := gateway.New(gateway.Config{
		Version:           Version,
		ConfigFingerprint: cfg.Fingerprint(),
		Approvals:         st,
		Stats:             &statsAdapter{store: st},
		Audit:             auditLog,
		Bus:               eventBus,
		HealthChecks: map[string]gateway.HealthChecker{
			"store": gateway.StorePingChecker(st.Pool()),
		},
		Logger: logger,
	})

	server := &http.Server{Addr: cfg.BindAddr, Handler: admin.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildBrain constructs the primary provider brain, wrapped with failover
// across any other providers that have credentials configured.
func buildBrain(ctx context.Context, cfg config.Config) agent.Brain {
	primaryName := cfg.LLM.Provider
	if primaryName == "" {
		primaryName = "google"
	}
	primary := agent.NamedBrain{Name: primaryName, Brain: agent.NewGenkitBrain(ctx, agent.BrainConfig{
		Provider: primaryName,
		Model:    cfg.ChatModel,
		APIKey:   cfg.APIKey(primaryName),
	})}

	var fallbacks []agent.NamedBrain
	for _, name := range []string{"google", "anthropic", "openai"} {
		if name == primaryName || cfg.APIKey(name) == "" {
			continue
		}
		fallbacks = append(fallbacks, agent.NamedBrain{Name: name, Brain: agent.NewGenkitBrain(ctx, agent.BrainConfig{
			Provider: name,
			Model:    cfg.ChatModel,
			APIKey:   cfg.APIKey(name),
		})})
	}
	if len(fallbacks) == 0 {
		return primary.Brain
	}
	return agent.NewFailoverBrain(primary, fallbacks, 5, 5*time.Minute)
}

// archivalSummarizer is the deterministic fallback summarizer used until a
// deployment wires a real LLM-backed one; it concatenates sources verbatim
// rather than inventing content.
type archivalSummarizer struct{}

func (archivalSummarizer) Summarize(ctx context.Context, items []store.ArchivalItem) (string, error) {
	summary := ""
	for i, item := range items {
		if i > 0 {
			summary += "\n"
		}
		summary += item.Content
	}
	return summary, nil
}
