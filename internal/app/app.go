// Package app wires the tracker components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"txtracker/config"
	"txtracker/internal/relay"
	"txtracker/internal/tracker"
	"txtracker/pkg/blockchain"
	"txtracker/pkg/broker/natspub"
	"txtracker/pkg/coingecko"
	"txtracker/pkg/storage/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	reportInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry   *prometheus.Registry
	feed       *blockchain.WSClient
	controller *tracker.Controller
	relay      *relay.Relay
	pruner     *RetentionPruner

	closers []func() error
}

// New builds every component enabled in cfg. Optional sinks that fail to
// initialize are fatal: a configured sink is expected to work.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var opts []relay.Option

	if cfg.Postgres.Enabled {
		client, err := postgres.InitializeAndMigrate(cfg.Postgres, true)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, relay.WithAudit(client))

		if cfg.Postgres.Retention > 0 {
			a.pruner = NewRetentionPruner(client, cfg.Postgres.Retention, logger.Named("retention"))
		}
		logger.Info("session audit enabled", zap.String("dbname", cfg.Postgres.DBName))
	}

	if cfg.NATS.Enabled {
		pub, err := natspub.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger.Named("nats"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, relay.WithPublisher(pub))
	}

	prices := coingecko.NewRESTClient(cfg.Price.URL, cfg.Price.Timeout)
	a.feed = blockchain.NewWSClient(cfg.Feed.URL, blockchain.Options{
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		WriteTimeout:     cfg.Feed.WriteTimeout,
		PingInterval:     cfg.Feed.PingInterval,
	}, logger.Named("feed"))

	a.controller = tracker.NewController(prices, a.feed, logger.Named("session"), tracker.NewMetrics(a.registry))
	a.relay = relay.New(logger.Named("relay"), opts...)

	return a, nil
}

func (a *App) Controller() *tracker.Controller { return a.controller }

// Run starts a session and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	updates := a.controller.Subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// drains until the controller closes updates
		a.relay.Run(context.WithoutCancel(ctx), updates)
	}()

	if a.cfg.Metrics.Enabled {
		srv := a.startMetricsServer()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}()
	}

	if a.pruner != nil {
		go a.pruner.Start(ctx)
	}
	go a.report(ctx)

	a.controller.Start()

	<-ctx.Done()
	wg.Wait()
	a.logger.Info("tracker stopped")
	return nil
}

// Restart stops the current session and starts a new one. Run must be active.
func (a *App) Restart() {
	a.controller.Stop()
	a.controller.Start()
}

// Close releases the feed and the optional sinks.
func (a *App) Close() error {
	if a.feed != nil {
		a.feed.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *App) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("starting metrics HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

// report periodically logs the session summary.
func (a *App) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.controller.State()
			a.logger.Info("current session",
				zap.Stringer("view", st.View),
				zap.Stringer("feed", st.Status),
				zap.Float64("price", st.Price),
				zap.Int("transactions", len(st.Transactions)),
			)
		}
	}
}
