// Command synapsed is the main entry point for the Synapse multi-model
// collaboration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelai/synapse/internal/api"
	"github.com/kestrelai/synapse/internal/config"
	"github.com/kestrelai/synapse/internal/observe"
	"github.com/kestrelai/synapse/internal/session"
	"github.com/kestrelai/synapse/internal/store"
	"github.com/kestrelai/synapse/internal/summary"
	"github.com/kestrelai/synapse/internal/synapse"
	embeddingsopenai "github.com/kestrelai/synapse/pkg/embeddings/openai"
	"github.com/kestrelai/synapse/pkg/provider"
	"github.com/kestrelai/synapse/pkg/provider/anthropic"
	"github.com/kestrelai/synapse/pkg/provider/gemini"
	"github.com/kestrelai/synapse/pkg/provider/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "synapsed: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "synapsed: %v\n", err)
		}
		return 1
	}
	applyEnvOverrides(cfg)

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("synapsed starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"personas", len(cfg.Personas),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	var stopOnce sync.Once

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "synapse"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	closers = append(closers, func() error { return shutdownTelemetry(context.Background()) })

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	metrics := observe.DefaultMetrics()

	detector := buildDetector(cfg)
	summarizer := summary.New(buildSummarizerBackend(), 0,
		summary.WithObserver(func(outcome string, elapsed time.Duration) {
			metrics.RecordSummarization(context.Background(), outcome)
			metrics.SummarizerDuration.Record(context.Background(), elapsed.Seconds())
		}))

	st, storeCloser, err := buildStore(ctx, cfg, metrics)
	if err != nil {
		slog.Error("failed to construct persistent store", "err", err)
		return 1
	}
	if storeCloser != nil {
		closers = append(closers, storeCloser)
	}

	mgr := session.NewManager(session.ManagerConfig{
		Registry:   reg,
		Personas:   cfg.Personas,
		Store:      st,
		Detector:   detector,
		Summarizer: summarizer,
	})

	srv := api.New(mgr, cfg.Personas, api.WithMetrics(metrics))
	srv.Bind(cfg.Server.ListenAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Serve()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		if err != nil {
			slog.Error("server error", "err", err)
			runClosers(closers, &stopOnce)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	runClosers(closers, &stopOnce)

	slog.Info("goodbye")
	return 0
}

func runClosers(closers []func() error, once *sync.Once) {
	once.Do(func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
}

// applyEnvOverrides applies the HOST/PORT environment variables over the
// loaded config.
func applyEnvOverrides(cfg *config.Config) {
	host := os.Getenv("HOST")
	port := os.Getenv("PORT")
	if host == "" && port == "" {
		return
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "8080"
	}
	if _, err := strconv.Atoi(port); err != nil {
		slog.Warn("ignoring invalid PORT environment variable", "port", port)
		return
	}
	cfg.Server.ListenAddr = host + ":" + port
}

// registerBuiltinProviders registers every provider adapter this build
// ships with: openai, anthropic, and gemini.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterProvider("openai", func(apiKey, model string) (provider.Provider, error) {
		return openai.New(apiKey, model)
	})
	reg.RegisterProvider("anthropic", func(apiKey, model string) (provider.Provider, error) {
		return anthropic.New(apiKey, model)
	})
	reg.RegisterProvider("gemini", func(apiKey, model string) (provider.Provider, error) {
		return gemini.New(context.Background(), apiKey, model)
	})
}

// buildDetector wires the synapse detector's embedding backend when an
// OpenAI credential is available, falling back to the keyword-only tier
// otherwise.
func buildDetector(cfg *config.Config) *synapse.Detector {
	apiKey, ok := config.APIKeyFor("openai")
	if !ok {
		slog.Warn("no OpenAI credential configured — synapse detection runs on the keyword tier only")
		return synapse.New(nil)
	}

	emb, err := embeddingsopenai.New(apiKey, "")
	if err != nil {
		slog.Warn("failed to construct embeddings provider — falling back to keyword tier", "err", err)
		return synapse.New(nil)
	}
	return synapse.New(emb)
}

// buildSummarizerBackend constructs the LLM backend used to produce rolling
// summaries. Returns nil when no OpenAI credential is configured, which
// makes every [summary.Summarizer.Trigger] call fall back to the
// deterministic summary.
func buildSummarizerBackend() provider.Provider {
	apiKey, ok := config.APIKeyFor("openai")
	if !ok {
		return nil
	}
	p, err := openai.New(apiKey, "gpt-4o-mini")
	if err != nil {
		slog.Warn("failed to construct summarizer backend — falling back to deterministic summaries", "err", err)
		return nil
	}
	return p
}

// buildStore wires the Redis-backed store behind the in-process degrading
// wrapper. A missing or unreachable Redis URL degrades to pure in-process
// storage rather than failing startup.
func buildStore(ctx context.Context, cfg *config.Config, metrics *observe.Metrics) (store.Store, func() error, error) {
	onDegrade := store.WithOnDegrade(func(op string) {
		metrics.RecordStoreDegraded(context.Background(), op)
	})

	if cfg.Store.RedisURL == "" {
		slog.Info("no store.redis_url configured — running with in-process session storage only")
		return store.NewGuarded(nil, onDegrade), nil, nil
	}

	rs, err := store.NewRedisStore(ctx, store.RedisConfig{
		URL: cfg.Store.RedisURL,
		TTL: time.Duration(cfg.Store.SessionTTLSeconds) * time.Second,
	})
	if err != nil {
		slog.Warn("failed to connect to redis — degrading to in-process session storage", "err", err)
		return store.NewGuarded(nil, onDegrade), nil, nil
	}

	guarded := store.NewGuarded(rs, onDegrade)
	return guarded, rs.Close, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
