package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatstream/internal/adapter/gateway"
	"chatstream/internal/adapter/llm"
	"chatstream/internal/adapter/store"
	"chatstream/internal/adapter/tool"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/logger"
	"chatstream/internal/infra/middleware"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/usecase"
	"chatstream/internal/usecase/branch"
	"chatstream/internal/usecase/broadcast"
	"chatstream/internal/usecase/cancellation"
	"chatstream/internal/usecase/emitter"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	return cmd
}

// app is the wired object graph of a running server.
type app struct {
	store    domain.TranscriptStore
	registry *cancellation.Registry
	hub      *broadcast.Hub
	chat     *usecase.ChatService
	server   *gateway.Server
	limiter  *middleware.RateLimiter
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	a, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			log.Warn("store close", "error", err)
		}
	}()

	a.registry.Start()
	defer a.registry.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Start(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	if a.limiter != nil {
		g.Go(func() error { return a.limiter.Run(gctx) })
	}

	log.Info("chatstream started",
		"addr", cfg.Server.Addr,
		"provider", cfg.LLM.DefaultProvider,
		"store", cfg.Store.Driver,
		"conflict_policy", cfg.Chat.ConflictPolicy,
	)

	err = g.Wait()

	// Requests still running are aborted with the shutdown cause and given
	// the shutdown timeout to persist their partial versions.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := a.chat.Shutdown(sctx); serr != nil {
		log.Warn("chat shutdown", "error", serr)
	}
	a.hub.Close()
	log.Info("chatstream stopped")
	return err
}

// build wires every component from cfg.
func build(cfg *config.Config, log *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := cancellation.NewRegistry(cancellation.Config{
		IdleTimeout:   cfg.Registry.IdleTimeout,
		TombstoneTTL:  cfg.Registry.TombstoneTTL,
		SweepInterval: cfg.Registry.SweepInterval,
	}, log)

	outbound := llm.NewOutboundTransport(nil, registry, cfg.Chat.RequestTimeout, log)
	providers, err := llm.BuildRegistry(cfg.LLM, outbound, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init providers: %w", err)
	}

	tools, err := tool.BuildRegistry(cfg.Tools.Enabled, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init tools: %w", err)
	}

	hub := broadcast.New(broadcast.Config{
		BufferSize:        cfg.Stream.ReplayBufferSize,
		SubscriberQueue:   cfg.Stream.SubscriberQueue,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, log)

	chat := usecase.NewChatService(usecase.ChatDeps{
		Registry: registry,
		Branches: branch.New(st, log),
		Hub:      hub,
		Emitter: emitter.New(tools, emitter.Config{
			MaxIterations: cfg.Chat.MaxIterations,
			ToolTimeout:   cfg.Chat.ToolTimeout,
		}, log),
		Providers:      providers,
		Tools:          tools,
		Logger:         log,
		SystemPrompt:   cfg.Chat.SystemPrompt,
		ConflictPolicy: usecase.ConflictPolicy(cfg.Chat.ConflictPolicy),
		MaxTokens:      cfg.Chat.MaxTokens,
		Temperature:    cfg.Chat.Temperature,
	})

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		})
	}

	server := gateway.NewServer(gateway.Deps{
		Chat:      chat,
		Hub:       hub,
		Registry:  registry,
		Providers: providers.List(),
		Tools:     tools.Names(),
		Logger:    log,
	}, gateway.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RateLimiter:       limiter,
	})

	return &app{
		store:    st,
		registry: registry,
		hub:      hub,
		chat:     chat,
		server:   server,
		limiter:  limiter,
	}, nil
}
