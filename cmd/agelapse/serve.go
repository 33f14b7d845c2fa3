package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agelapse-dev/agelapse/internal/aging"
	"github.com/agelapse-dev/agelapse/internal/evolution"
	"github.com/agelapse-dev/agelapse/internal/provider"
	"github.com/agelapse-dev/agelapse/internal/server"
	"github.com/agelapse-dev/agelapse/internal/session"
	"github.com/agelapse-dev/agelapse/internal/video"
	"github.com/agelapse-dev/agelapse/pkg/config"
	"github.com/agelapse-dev/agelapse/pkg/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agelapse API and ops servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Printf("Starting agelapse v%s (provider=%s, backend=%s)", Version, cfg.Provider, cfg.SessionBackend)

	observability.InitMetrics()
	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())

	p, err := provider.New(cfg.Provider, cfg.ProviderSettings())
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	healthChecker.RegisterCheck(observability.StoreCheck(store.Ping))

	manager := session.NewManager(p, store,
		session.WithIdleTTL(time.Duration(cfg.SessionTTLMin)*time.Minute),
		session.WithControllerOptions(
			aging.WithDebounceInterval(time.Duration(cfg.DebounceMs)*time.Millisecond)))
	if err := manager.Start(); err != nil {
		return err
	}

	handler := server.NewHandler(manager,
		evolution.NewGenerator(p),
		video.NewCompiler(),
		time.Duration(cfg.FrameDurationMs)*time.Millisecond)

	apiServer := server.NewServer(cfg.APIPort, handler)
	opsServer := observability.NewServer(cfg.OpsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("API server listening on :%d", cfg.APIPort)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("Ops server listening on :%d", cfg.OpsPort)
		if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Ops server shutdown error: %v", err)
		}
		if err := manager.Stop(); err != nil {
			log.Printf("Session manager shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Println("agelapse stopped")
	return nil
}

func buildStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionBackend {
	case "redis":
		return session.NewRedisBackend(session.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			SessionTTL: time.Duration(cfg.SessionTTLMin) * time.Minute,
		})
	default:
		return session.NewMemoryBackend(), nil
	}
}
