package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/adapters/auth"
	"github.com/bugcanvas/annotsync/internal/adapters/httpapi"
	"github.com/bugcanvas/annotsync/internal/adapters/identity"
	"github.com/bugcanvas/annotsync/internal/adapters/persist"
	"github.com/bugcanvas/annotsync/internal/app"
	"github.com/bugcanvas/annotsync/internal/config"
	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	snapshots, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init snapshot store")
	}

	mgr := app.NewManager(
		app.Config{
			GracePeriod:   cfg.GracePeriod,
			RoomLinger:    cfg.RoomLinger,
			PresenceFlush: cfg.PresenceFlush,
		},
		buildAuthorizer(cfg),
		identity.NewStatic(),
		snapshots,
		store.Options{},
		nil,
	)

	r := httpapi.SetupRouter(ctx, cfg, mgr)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("annotsync server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func buildSnapshotStore(ctx context.Context, cfg *config.Config) (core.SnapshotStore, error) {
	switch cfg.Persist.Driver {
	case "sqlite":
		s, err := persist.NewSQLite(cfg.Persist.DSN)
		if err != nil {
			return nil, err
		}
		return persist.WithRetry(s, 3, 200*time.Millisecond), nil
	case "redis":
		r, err := persist.NewRedis(ctx, cfg.Persist.DSN)
		if err != nil {
			return nil, err
		}
		return persist.WithRetry(r, 3, 200*time.Millisecond), nil
	default:
		return persist.NewMemory(), nil
	}
}

func buildAuthorizer(cfg *config.Config) core.Authorizer {
	if cfg.Auth.Mode == "jwt" {
		return auth.NewTokenAuthorizer(cfg.Auth.Secret)
	}
	return auth.AllowAll{}
}
