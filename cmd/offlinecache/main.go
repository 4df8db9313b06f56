// cmd/offlinecache/main.go
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/cache/badgerstore"
	"github.com/briangreenhill/offlinecache/cache/pgstore"
	"github.com/briangreenhill/offlinecache/internal/config"
	"github.com/briangreenhill/offlinecache/internal/http/routes"
	"github.com/briangreenhill/offlinecache/internal/jobs"
	"github.com/briangreenhill/offlinecache/internal/worker"
)

func main() {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(cfg.Level())

	policy, err := cfg.Policy()
	if err != nil {
		logger.Fatal().Err(err).Msg("policy error")
	}
	logger.Info().
		Str("port", cfg.Port).
		Str("origin", policy.Origin.String()).
		Str("generation", policy.Generation).
		Str("backend", cfg.Cache.Backend).
		Msg("starting offline cache gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	backends := cache.NewRegistry()
	backends.Register("badger", badgerstore.Factory)
	backends.Register("postgres", pgstore.Factory)
	storage, closeStorage, err := backends.Open(ctx, cfg.Cache.Backend, cache.Options{
		Dir:         cfg.Cache.Dir,
		DatabaseURL: cfg.Cache.DatabaseURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("cache storage error")
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Error().Err(err).Msg("error closing cache storage")
		}
	}()

	// Worker controller
	ctrl := worker.NewController(storage,
		worker.WithNetwork(newNetwork(ctx, cfg, policy.Origin)),
		worker.WithLogger(logger),
		worker.WithMetrics(worker.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if _, err := ctrl.Register(ctx, policy); err != nil {
		// without an active worker every request passes through
		logger.Error().Err(err).Msg("initial install failed, serving from network only")
	}

	rollouts := jobs.NewHandler(ctrl, func() worker.Policy {
		if w := ctrl.Active(); w != nil {
			return w.Policy()
		}
		return policy
	}, logger)

	// Rollout queue
	var enq jobs.Enqueuer
	if cfg.HasRedis() {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("error closing asynq client")
			}
		}()
		enq = jobs.NewAsynqEnqueuer(client)

		qsrv := jobs.NewServer(cfg.RedisAddr, logger)
		if err := qsrv.Start(rollouts.Mux()); err != nil {
			logger.Fatal().Err(err).Msg("asynq server error")
		}
		defer qsrv.Shutdown()
		logger.Info().Str("redis", cfg.RedisAddr).Msg("rollout queue running")
	}

	// Router / server
	s := routes.New(routes.ServerOptions{
		Controller: ctrl,
		Origin:     policy.Origin,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Enqueuer:   enq,
		Rollouts:   rollouts,
		Gatherer:   prometheus.DefaultGatherer,

		CrossOriginHosts: cfg.Offline.CrossOriginHosts,
	})
	if cfg.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN not set, admin api disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server error")
		return
	}
	logger.Info().Msg("shut down")
}

// newNetwork builds the client the worker fetches with. Same-origin fetches
// carry client-credentials tokens when upstream credentials are configured.
func newNetwork(ctx context.Context, cfg *config.Config, origin *url.URL) worker.Network {
	plain := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	if !cfg.HasUpstreamCredentials() {
		return worker.NewCredentialedNetwork(origin, plain, plain)
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		TokenURL:     cfg.Upstream.TokenURL,
		Scopes:       cfg.Upstream.Scopes,
	}
	authed := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, plain))
	return worker.NewCredentialedNetwork(origin, authed, plain)
}
