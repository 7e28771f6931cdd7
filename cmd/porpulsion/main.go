// Porpulsion — an OpenAI-compatible multi-tenant gateway in front of
// Ollama and vLLM.
//
// Usage:
//
//	porpulsion serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
	ollamaadapter "github.com/hartyporpoise/porpulsion/internal/adapter/ollama"
	openaiadapter "github.com/hartyporpoise/porpulsion/internal/adapter/openai"
	"github.com/hartyporpoise/porpulsion/internal/config"
	"github.com/hartyporpoise/porpulsion/internal/dispatch"
	"github.com/hartyporpoise/porpulsion/internal/gwlog"
	"github.com/hartyporpoise/porpulsion/internal/httpmw"
	"github.com/hartyporpoise/porpulsion/internal/metrics"
	"github.com/hartyporpoise/porpulsion/internal/models"
	ollamaclient "github.com/hartyporpoise/porpulsion/internal/ollama"
	"github.com/hartyporpoise/porpulsion/internal/ratelimit"
	"github.com/hartyporpoise/porpulsion/internal/tokens"
)

const banner = `
██████╗  ██████╗ ██████╗ ██████╗ ██╗   ██╗██╗     ███████╗██╗ ██████╗ ███╗   ██╗
██╔══██╗██╔═══██╗██╔══██╗██╔══██╗██║   ██║██║     ██╔════╝██║██╔═══██╗████╗  ██║
██████╔╝██║   ██║██████╔╝██████╔╝██║   ██║██║     ███████╗██║██║   ██║██╔██╗ ██║
██╔═══╝ ██║   ██║██╔══██╗██╔═══╝ ██║   ██║██║     ╚════██║██║██║   ██║██║╚██╗██║
██║     ╚██████╔╝██║  ██║██║     ╚██████╔╝███████╗███████║██║╚██████╔╝██║ ╚████║
╚═╝      ╚═════╝ ╚═╝  ╚═╝╚═╝      ╚═════╝ ╚══════╝╚══════╝╚═╝ ╚═════╝ ╚═╝  ╚═══╝

  OpenAI-compatible gateway for Ollama and vLLM · github.com/hartyporpoise/porpulsion
`

func main() {
	root := &cobra.Command{
		Use:   "porpulsion",
		Short: "Porpulsion — an OpenAI-compatible gateway for Ollama and vLLM",
		Long:  banner,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := gwlog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	tokenRegistry, err := tokens.NewRegistry(cfg.Tokens)
	if err != nil {
		return fmt.Errorf("build token registry: %w", err)
	}
	logger.Info("tokens loaded", zap.Int("count", tokenRegistry.Len()))

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	registry := buildAdapterRegistry(cfg)
	modelCache := models.New(registry, cfg.ModelCacheTTL)
	collector, metricsHandler := metrics.NewCollector()

	d := &dispatch.Dispatcher{
		Tokens:         tokenRegistry,
		Limiter:        limiter,
		Adapters:       registry,
		Models:         modelCache,
		DefaultBackend: cfg.DefaultBackend,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Metrics:        collector,
		Logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", d.HandleChatCompletions)
	mux.HandleFunc("/v1/completions", d.HandleCompletions)
	mux.HandleFunc("/v1/embeddings", d.HandleEmbeddings)
	mux.HandleFunc("/v1/models", d.HandleListModels)
	mux.HandleFunc("/healthz", d.HandleHealthz)
	mux.Handle("/metrics", metricsHandler)

	handler := httpmw.Chain(mux,
		httpmw.InjectRequestID,
		httpmw.ForwardedIP,
		httpmw.AccessLog(logger),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	logger.Info("starting gateway",
		zap.String("addr", addr),
		zap.String("default_backend", cfg.DefaultBackend),
		zap.String("rate_limit_store", cfg.RateLimitStore),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	}
}

func buildLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	switch cfg.RateLimitStore {
	case "shared":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping shared rate-limit store: %w", err)
		}
		return ratelimit.NewRedisLimiter(client), nil
	default:
		return ratelimit.NewMemoryLimiter(), nil
	}
}

func buildAdapterRegistry(cfg *config.Config) *adapter.Registry {
	var adapters []adapter.Adapter

	if cfg.OllamaBaseURL != "" {
		client := ollamaclient.NewClient(cfg.OllamaBaseURL, cfg.OllamaTimeout)
		adapters = append(adapters, ollamaadapter.New(client))
	}
	if cfg.VLLMBaseURL != "" {
		httpClient := &http.Client{Timeout: cfg.VLLMTimeout}
		adapters = append(adapters, openaiadapter.New("vllm", cfg.VLLMBaseURL, httpClient))
	}

	return adapter.NewRegistry(adapters...)
}
