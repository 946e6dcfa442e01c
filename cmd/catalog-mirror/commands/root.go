// Package commands implements the CLI commands for catalog-mirror.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kareemsasa3/catalog-mirror/internal/config"
	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/freshness"
	"github.com/kareemsasa3/catalog-mirror/internal/logger"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/queue"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "catalog-mirror",
	Short: "Mirror an e-commerce catalog into SQLite with a durable scrape queue",
	Long: `catalog-mirror keeps a local copy of a shop's navigation, categories,
products, product details and reviews.

Scrapes are queued as jobs in SQLite and run by a pool of headless
browser workers. Jobs survive restarts and at most one job per target
is open at a time.

Examples:
  # Run the workers, the refresh scheduler and the HTTP API
  catalog-mirror serve

  # Queue a navigation scrape and wait for it to finish
  catalog-mirror enqueue navigation --wait 5m

  # Force a refresh of one category
  catalog-mirror enqueue category fantasy-fiction-books --refresh

  # Inspect jobs
  catalog-mirror status --type category --target fantasy-fiction-books`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ./catalog-mirror.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs")

	_ = v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))

	rootCmd.AddCommand(serveCmd, enqueueCmd, statusCmd, recoverCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// app holds what every command needs: config, logging, the store and the
// queue on top of it.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.DB
	metrics *metrics.PrometheusMetrics
	queue   *queue.Queue
	policy  *freshness.Policy
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	db, err := database.Initialize(cfg.Database.Path, log.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}

	m := metrics.NewPrometheusMetrics()
	q := queue.New(db, queue.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		PollInterval: cfg.Queue.PollInterval,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BackoffBase,
			Max:    cfg.Queue.BackoffMax,
			Factor: cfg.Queue.BackoffFactor,
		},
		Logger:  log.With("component", "queue"),
		Metrics: m,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		metrics: m,
		queue:   q,
		policy:  freshness.NewPolicy(db, q, cfg.Freshness.StaleAfter),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database: %v", err)
	}
}
