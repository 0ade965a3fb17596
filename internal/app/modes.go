package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/veilbook/internal/platform/cluster"
	"github.com/alanyoungcy/veilbook/internal/server"
	"github.com/alanyoungcy/veilbook/internal/server/handler"
	"github.com/alanyoungcy/veilbook/internal/server/ws"
	"github.com/alanyoungcy/veilbook/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown. In-flight submissions
// that outlive it are abandoned; their sagas resume on the next start.
const shutdownTimeout = 30 * time.Second

// ServeMode runs the HTTP API, the websocket progress hub and every
// background worker.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.String("owner", deps.Owner))

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "HTTP server disabled")
	}
	return g.Wait()
}

// WatchMode runs only the background workers: the result feed, price relay,
// saga resume and housekeeping. Fills keep reconciling into the order store
// with no API exposed.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode", slog.String("owner", deps.Owner))

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// startWorkers adds the background goroutines shared by every mode.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// Cluster result feed -> tracker and order cache.
	feedClient := cluster.NewFeedClient(a.cfg.Cluster.WSURL, deps.Owner, a.logger)
	computations := tracker.NewFeed(deps.Tracker, deps.Orders, a.logger)
	g.Go(func() error {
		return feedClient.Run(ctx)
	})
	g.Go(func() error {
		return ignoreCanceled(computations.Run(ctx, feedClient.Messages()))
	})

	// Reference prices for market orders.
	g.Go(func() error {
		return deps.PriceService.Run(ctx)
	})

	// Position sagas interrupted by a previous process.
	if a.cfg.Positions.ResumeOnStart {
		g.Go(func() error {
			n, err := deps.PositionService.ResumePending(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "resume pending positions failed", slog.String("error", err.Error()))
				return nil
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "resumed pending positions", slog.Int("opened", n))
			}
			return nil
		})
	}

	// Housekeeping.
	runPeriodic(ctx, g, a.cfg.Cluster.PruneInterval.Duration, func() {
		if n := deps.Tracker.Prune(a.cfg.Cluster.PruneAfter.Duration); n > 0 {
			a.logger.DebugContext(ctx, "pruned computations", slog.Int("removed", n))
		}
	})
	runPeriodic(ctx, g, time.Minute, deps.Dedup.Cleanup)
}

// startHTTPServer adds the API server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      time.Now().UTC(),
	}, a.logger).WithGauge(deps.Metrics.WSConnections)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(deps.Health, a.logger),
		Orders:       handler.NewOrderHandler(deps.OrderService, deps.Owner, a.logger),
		Positions:    handler.NewPositionHandler(deps.PositionService, deps.Owner, a.logger),
		Computations: handler.NewComputationHandler(deps.Tracker, a.logger),
		Markets:      handler.NewMarketHandler(deps.Markets, a.logger),
		Metrics:      deps.Metrics.Handler(),
	}
	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}, handlers, hub, server.Deps{
		Limiter:  deps.RateLimiter,
		Observer: deps.Metrics,
	}, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "HTTP server running without an api_key; anyone who can reach it can trade")
	}

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runPeriodic calls fn every interval until ctx is cancelled. A non-positive
// interval disables the job.
func runPeriodic(ctx context.Context, g *errgroup.Group, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn()
			}
		}
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
