package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/api"
	"github.com/org/apiguard/internal/audit"
	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/monitor"
	"github.com/org/apiguard/internal/storage"
	"github.com/org/apiguard/internal/store"
)

const sessionSweepInterval = time.Hour

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("APIGUARD_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	backend, err := storage.NewPostgresBackend(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer backend.Close()

	// Run migrations
	version, err := storage.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Uint("version", version).Msg("migrations applied")

	ts := openTokenStore(ctx, cfg)
	defer ts.Close() //nolint:errcheck

	// Security monitor
	monOpts := []monitor.Option{monitor.WithAlertHook(monitor.LogAlertHook{})}
	if cfg.Monitor.AlertWebhookURL != "" {
		hook := monitor.NewWebhookAlertHook(cfg.Monitor.AlertWebhookURL, cfg.Monitor.AlertsPerMinute, &http.Client{Timeout: 5 * time.Second})
		defer hook.Close()
		monOpts = append(monOpts, monitor.WithAlertHook(hook))
	}
	var srvOpts []api.Option
	if cfg.Monitor.Archive {
		archive := audit.NewLogger(backend)
		monOpts = append(monOpts, monitor.WithArchiver(archive))
		srvOpts = append(srvOpts, api.WithArchive(archive))
	}
	mon := monitor.New(cfg.Monitor, monOpts...)
	mon.Start(ctx)
	defer mon.Stop()

	go sweepSessions(ctx, backend)

	srv, err := api.NewServer(cfg, backend, ts, mon, srvOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Str("environment", cfg.Environment).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	cancel()
	log.Info().Msg("server stopped")
}

// openTokenStore dials Redis when configured. Without Redis, or when it is
// unreachable and fallback is allowed, counters live in process memory and
// are not shared between replicas.
func openTokenStore(ctx context.Context, cfg *config.Config) store.TokenStore {
	if cfg.Store.RedisURL != "" {
		rs, err := store.DialRedis(ctx, cfg.Store.RedisURL, cfg.Store.KeyPrefix, cfg.Store.Timeout)
		if err == nil {
			log.Info().Str("component", "store").Msg("using redis token store")
			return rs
		}
		if !cfg.Store.AllowMemoryFallback {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Warn().Err(err).Str("component", "store").Msg("redis unavailable, falling back to in-process token store")
	} else {
		log.Warn().Str("component", "store").Msg("no redis configured, using in-process token store")
	}
	ms := store.NewMemoryStore()
	ms.StartSweeper(cfg.Store.SweepInterval)
	return ms
}

func sweepSessions(ctx context.Context, backend storage.Backend) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := backend.DeleteExpiredSessions(ctx)
			if err != nil {
				log.Warn().Err(err).Str("component", "storage").Msg("expired session sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Str("component", "storage").Int64("deleted", n).Msg("expired sessions removed")
			}
		}
	}
}
