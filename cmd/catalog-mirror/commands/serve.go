package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kareemsasa3/catalog-mirror/internal/api"
	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/dispatcher"
	"github.com/kareemsasa3/catalog-mirror/internal/freshness"
	"github.com/kareemsasa3/catalog-mirror/internal/ratelimit"
	"github.com/kareemsasa3/catalog-mirror/internal/scraper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workers, the refresh scheduler and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides api.port)")
	serveCmd.Flags().Int("workers", 0, "number of workers (overrides dispatcher.workers)")
	serveCmd.Flags().String("browser", "", "browser backend: chromedp or rod")
	serveCmd.Flags().Bool("no-api", false, "run workers only")

	_ = v.BindPFlag("api.port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("dispatcher.workers", serveCmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("browser.backend", serveCmd.Flags().Lookup("browser"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left active by a crashed process are requeued once they are
	// older than stale_active_ttl, which exceeds any job timeout.
	if _, err := a.queue.Recover(ctx, a.cfg.Queue.StaleActiveTTL); err != nil {
		logError("%v", err)
		return err
	}

	gate, closeGate, err := buildGate(ctx, a)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer closeGate()

	provider, err := browser.NewProvider(a.cfg.Browser.Backend, browser.Options{
		ExecPath:          a.cfg.Browser.ExecPath,
		UserAgent:         a.cfg.Site.UserAgent,
		NoSandbox:         a.cfg.Browser.NoSandbox,
		IgnoreCertErrors:  a.cfg.Browser.IgnoreCertErrors,
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
		Logger:            a.log.With("component", "browser"),
	})
	if err != nil {
		return err
	}

	d, err := dispatcher.New(dispatcher.Options{
		Queue:    a.queue,
		Store:    a.db,
		Registry: scraper.DefaultRegistry(scraper.OptionsFromConfig(a.cfg, a.log.With("component", "scraper"))),
		Browser:  browser.NewPool(provider, a.cfg.Browser.MaxSessions, a.metrics),
		Gate:     gate,
		Config:   a.cfg,
		Logger:   a.log.With("component", "dispatcher"),
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		recoverLoop(gctx, a)
		return nil
	})
	g.Go(func() error {
		return freshness.NewScheduler(a.policy, a.cfg.Freshness.RefreshInterval, a.log.With("component", "scheduler")).Run(gctx)
	})

	if noAPI, _ := cmd.Flags().GetBool("no-api"); !noAPI {
		handler := api.NewAPIHandler(a.cfg, a.db, a.queue, a.policy, a.log.With("component", "api"), a.metrics)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.API.Port),
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("Starting API server on port %d", a.cfg.API.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	a.log.Info("Shut down")
	return err
}

func recoverLoop(ctx context.Context, a *app) {
	ttl := a.cfg.Queue.StaleActiveTTL
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.queue.Recover(ctx, ttl); err != nil && ctx.Err() == nil {
				a.log.Warn("Recovery sweep failed: %v", err)
			}
		}
	}
}

// buildGate returns the shared Redis gate when redis.addr is set and the
// in-process gate otherwise.
func buildGate(ctx context.Context, a *app) (ratelimit.Gate, func(), error) {
	if a.cfg.Redis.Addr == "" {
		return ratelimit.NewLocal(a.cfg.Site.RequestDelay), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.log.Info("Using shared rate gate in Redis at %s", a.cfg.Redis.Addr)
	return ratelimit.NewRedisRateLimiter(rdb, a.cfg.Redis.GateKey, a.cfg.Site.RequestDelay), func() { rdb.Close() }, nil
}
