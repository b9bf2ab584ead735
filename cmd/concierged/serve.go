package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/providers/openairt"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/call"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/config"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/live"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/ratelimit"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/recorder"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/server"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/tools"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/tools/adapters/places"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/cache"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/knowledge"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/telephony/telnyx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the concierge gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg, newLogger())
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if configFile != "" {
		if err := cfg.ApplyOverlay(configFile); err != nil {
			return config.Config{}, fmt.Errorf("apply config overlay: %w", err)
		}
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	provider, err := openairt.New(cfg.OpenAIAPIKey,
		openairt.WithModels(cfg.RealtimeModel, cfg.CompletionModel, cfg.EmbeddingModel))
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	supabaseStore, err := guest.NewSupabase(guest.SupabaseConfig{
		URL:    cfg.SupabaseURL,
		APIKey: cfg.SupabaseAPIKey,
	})
	if err != nil {
		return fmt.Errorf("init guest store: %w", err)
	}

	var guestStore guest.Store = supabaseStore
	var locator tools.PropertyLocator = supabaseStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		cached := cache.New(supabaseStore, rdb, cfg.CacheTTL, logger)
		guestStore = cached
		locator = cached
		logger.Info("guest store cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	}

	var knowledgeStore tools.KnowledgeSearcher
	if cfg.QdrantURL != "" {
		ks, err := knowledge.New(knowledge.Config{
			URL:            cfg.QdrantURL,
			CollectionName: cfg.QdrantCollection,
			APIKey:         cfg.QdrantAPIKey,
		}, provider)
		if err != nil {
			return fmt.Errorf("init knowledge store: %w", err)
		}
		knowledgeStore = ks
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.EffectiveRequestsPerWindow(),
		SafetyMargin:      cfg.RateSafetyMargin,
	})
	logger.Info("provider limiter sized",
		"tier", cfg.RateTier,
		"requests_per_minute", cfg.EffectiveRequestsPerWindow(),
		"safety_margin", cfg.RateSafetyMargin,
	)

	registry := sessions.NewRegistry()
	rec := recorder.New(recorder.Config{
		Store:      guestStore,
		Summarizer: provider,
		Limiter:    limiter,
		Logger:     logger,
	})

	placesClient := places.NewClient("", "", nil)
	toolset := func(propertyID string) *tools.Dispatcher {
		executors := []tools.Executor{
			&tools.NearbyPlacesExecutor{Places: placesClient, Properties: locator, PropertyID: propertyID},
			&tools.CurrentTimeExecutor{Properties: locator, PropertyID: propertyID},
		}
		if knowledgeStore != nil {
			executors = append(executors, &tools.PropertyKnowledgeExecutor{
				Knowledge:  knowledgeStore,
				PropertyID: propertyID,
			})
		}
		return tools.NewDispatcher(logger, 10*time.Second, executors...)
	}

	var controller *call.Controller
	if cfg.TelnyxAPIKey != "" {
		controller, err = call.NewController(call.Config{
			Transport:       telnyx.NewClient(cfg.TelnyxAPIKey, cfg.TelnyxFromNumber),
			Provider:        provider,
			Store:           guestStore,
			Limiter:         limiter,
			Registry:        registry,
			Recorder:        rec,
			Logger:          logger,
			Toolset:         toolset,
			MediaURLBase:    cfg.MediaURLBase,
			Instructions:    cfg.Instructions,
			Voice:           cfg.Voice,
			TeardownTimeout: cfg.TeardownTimeout,
		})
		if err != nil {
			return fmt.Errorf("init call controller: %w", err)
		}
	} else {
		logger.Warn("telephony disabled: CONCIERGE_TELNYX_API_KEY is not set")
	}

	liveHandler := live.NewHandler(live.Config{
		Registry:        registry,
		Store:           guestStore,
		Knowledge:       knowledgeStore,
		Provider:        provider,
		Limiter:         limiter,
		Recorder:        rec,
		Logger:          logger,
		Toolset:         toolset,
		Instructions:    cfg.Instructions,
		Voice:           cfg.Voice,
		HistoryWindow:   cfg.HistoryWindow,
		IdleTimeout:     cfg.SessionIdleTimeout,
		WriteTimeout:    cfg.WSWriteTimeout,
		PingInterval:    cfg.WSPingInterval,
		TeardownTimeout: cfg.TeardownTimeout,
	})

	gw := server.New(cfg, logger, server.Deps{
		Registry:   registry,
		Controller: controller,
		Live:       liveHandler,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting gateway", "addr", cfg.Addr, "tier", cfg.RateTier)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	canceled := gw.CancelSessions()
	logger.Info("draining sessions", "canceled", canceled)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		logger.Warn("sessions did not drain within grace period")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}
