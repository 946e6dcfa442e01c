// Package dispatcher runs the worker pool that drains the scrape queue.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/config"
	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/logger"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/queue"
	"github.com/kareemsasa3/catalog-mirror/internal/ratelimit"
	"github.com/kareemsasa3/catalog-mirror/internal/scraper"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Store is the persistence the workers need. *database.DB implements it.
type Store interface {
	SaveRecords(ctx context.Context, target types.Target, rec *types.Records) (*database.SaveSummary, error)
	ResolveURL(ctx context.Context, target types.Target) (string, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
}

// Options wires a Dispatcher. Every field except Metrics and Logger is
// required.
type Options struct {
	Queue    *queue.Queue
	Store    Store
	Registry *scraper.Registry
	Browser  *browser.Pool
	Gate     ratelimit.Gate
	Config   *config.Config
	Logger   *logger.Logger
	Metrics  *metrics.PrometheusMetrics
}

// Dispatcher pulls jobs and runs each one through scrape and persist.
type Dispatcher struct {
	queue    *queue.Queue
	store    Store
	registry *scraper.Registry
	pool     *browser.Pool
	gate     ratelimit.Gate
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *metrics.PrometheusMetrics

	jobTimeout    time.Duration
	// finishTimeout bounds the bookkeeping after a job, which runs even
	// when the worker context is already cancelled. A job is held for at
	// most jobTimeout plus finishTimeout.
	finishTimeout time.Duration
}

// New validates opts and creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Queue == nil:
		return nil, fmt.Errorf("dispatcher requires a queue")
	case opts.Store == nil:
		return nil, fmt.Errorf("dispatcher requires a store")
	case opts.Registry == nil:
		return nil, fmt.Errorf("dispatcher requires a scraper registry")
	case opts.Browser == nil:
		return nil, fmt.Errorf("dispatcher requires a browser pool")
	case opts.Config == nil:
		return nil, fmt.Errorf("dispatcher requires a config")
	}
	if opts.Gate == nil {
		opts.Gate = ratelimit.NewLocal(opts.Config.Site.RequestDelay)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	jobTimeout := opts.Config.Dispatcher.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 3 * time.Minute
	}
	return &Dispatcher{
		jobTimeout:    jobTimeout,
		queue:         opts.Queue,
		store:         opts.Store,
		registry:      opts.Registry,
		pool:          opts.Browser,
		gate:          opts.Gate,
		cfg:           opts.Config,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		finishTimeout: config.JobFinishWindow,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has been settled.
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.cfg.Dispatcher.Workers
	if workers < 1 {
		workers = 1
	}
	d.logger.Info("Starting %d workers (browser sessions: %d, job timeout: %v)",
		workers, d.pool.Size(), d.jobTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i + 1
		g.Go(func() error {
			d.worker(gctx, id)
			return nil
		})
	}
	if d.metrics != nil {
		g.Go(func() error {
			d.reportDepth(gctx)
			return nil
		})
	}

	err := g.Wait()
	d.logger.Info("All workers stopped")
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	log := d.logger.With("worker", id)
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		d.process(ctx, job)
	}
}

// process runs one claimed job to a recorded outcome. A job interrupted
// by shutdown goes back to waiting without using up an attempt.
func (d *Dispatcher) process(ctx context.Context, job *types.ScrapeJob) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.WorkerStarted()
		defer d.metrics.WorkerFinished()
	}

	summary, err := d.execute(ctx, job)
	duration := time.Since(start)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.finishTimeout)
	defer cancel()

	targetType := string(job.Target.Type)
	if err == nil {
		if err := d.queue.MarkCompleted(finishCtx, job.ID, summary); err != nil {
			d.logger.Error("Failed to complete job %s: %v", job.ID, err)
			return
		}
		if d.metrics != nil {
			d.metrics.RecordJobSuccess(targetType, summary.Pages, duration)
			d.recordPersisted(summary)
		}
		d.logger.LogJobOutcome(job.ID, job.Target.String(), string(types.JobCompleted), job.Attempts, duration, nil)
		return
	}

	if ctx.Err() != nil {
		if rerr := d.queue.Release(finishCtx, job.ID, err); rerr != nil {
			d.logger.Error("Failed to release job %s on shutdown: %v", job.ID, rerr)
			return
		}
		d.logger.Info("Released job %s (%s) on shutdown", job.ID, job.Target)
		return
	}

	outcome, ferr := d.queue.MarkFailed(finishCtx, job.ID, err, d.retryable(job, err))
	if ferr != nil {
		d.logger.Error("Failed to record failure of job %s: %v (cause: %v)", job.ID, ferr, err)
		return
	}

	retried := outcome.Status == types.JobWaiting
	if d.metrics != nil {
		d.metrics.RecordJobFailure(targetType, string(errors.KindOf(err)), retried, duration)
	}
	if retried {
		d.logger.LogRetry(job.ID, job.Target.String(), outcome.Attempt, outcome.RetryIn, err)
		return
	}
	d.logger.LogJobOutcome(job.ID, job.Target.String(), string(types.JobFailed), job.Attempts, duration, err)
}

// retryable applies the retry policy: validation errors never retry and
// structural mismatches stop after the structural retry limit.
func (d *Dispatcher) retryable(job *types.ScrapeJob, err error) bool {
	if !errors.IsRetryable(err) {
		return false
	}
	if errors.KindOf(err) == errors.KindStructuralMismatch {
		limit := d.cfg.Dispatcher.StructuralRetryLimit
		if limit < 1 {
			limit = 1
		}
		return job.Attempts < limit
	}
	return true
}

// execute scrapes and persists one job. A panic becomes an error so the
// worker survives it.
func (d *Dispatcher) execute(ctx context.Context, job *types.ScrapeJob) (summary *database.SaveSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in job %s: %v\n%s", job.ID, r, debug.Stack())
			summary = nil
			err = errors.NewScraperError(job.Target.String(), "scraper panic", fmt.Errorf("%v", r))
		}
	}()

	s, err := d.registry.Get(job.Target.Type)
	if err != nil {
		return nil, errors.NewValidationError(job.Target.String(), "unsupported target", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	target := job.Target
	if target.URL, err = d.resolve(jobCtx, target); err != nil {
		return nil, err
	}

	sess, err := d.pool.Acquire(jobCtx)
	if err != nil {
		return nil, errors.NewScraperError(target.String(), "no browser session", err)
	}
	defer sess.Close()

	d.logger.Debug("Job %s attempt %d: scraping %s", job.ID, job.Attempts, target.URL)
	rec, err := s.Scrape(jobCtx, browser.WithGate(sess, d.gate), target)
	if err != nil {
		if stderrors.Is(jobCtx.Err(), context.DeadlineExceeded) && errors.KindOf(err) != errors.KindTimeout {
			return nil, &errors.ScraperError{
				Kind:    errors.KindTimeout,
				Target:  target.String(),
				Message: fmt.Sprintf("job exceeded %v", d.jobTimeout),
				Err:     err,
			}
		}
		return nil, err
	}

	return d.store.SaveRecords(jobCtx, target, rec)
}

// resolve finds the URL to scrape for target.
func (d *Dispatcher) resolve(ctx context.Context, target types.Target) (string, error) {
	var raw string
	switch target.Type {
	case types.TargetNavigation:
		raw = d.cfg.Site.BaseURL
	case types.TargetCategory, types.TargetProduct:
		u, err := d.store.ResolveURL(ctx, target)
		switch {
		case err == nil:
			raw = u
		case !stderrors.Is(err, errors.ErrNotFound):
			return "", errors.NewPersistenceError(target.String(), "failed to resolve URL", err)
		case target.Type == types.TargetProduct && d.cfg.Site.ProductURLTemplate != "":
			raw = productURL(d.cfg.Site.ProductURLTemplate, target.ID)
		case target.Type == types.TargetCategory:
			return "", errors.NewValidationError(target.String(), "unknown category, scrape navigation first", nil)
		default:
			return "", errors.NewValidationError(target.String(), "unknown product and no product URL template configured", nil)
		}
	default:
		return "", errors.NewValidationError(target.String(), "unsupported target type", nil)
	}

	if err := errors.ValidateURL(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// productURL fills the source id into template, which holds either a
// single %s or the literal "{id}".
func productURL(template, id string) string {
	escaped := url.PathEscape(id)
	if strings.Contains(template, "{id}") {
		return strings.ReplaceAll(template, "{id}", escaped)
	}
	return fmt.Sprintf(template, escaped)
}

func (d *Dispatcher) recordPersisted(s *database.SaveSummary) {
	d.metrics.RecordPersisted("navigation_item", s.NavigationItems, 0)
	d.metrics.RecordPersisted("category", s.Categories, 0)
	d.metrics.RecordPersisted("product", s.Products, 0)
	d.metrics.RecordPersisted("product_detail", s.Details, 0)
	d.metrics.RecordPersisted("related", s.Related, 0)
	d.metrics.RecordPersisted("review", s.ReviewsInserted, s.ReviewsRejected)
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	interval := d.cfg.Queue.PollInterval * 5
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		counts, err := d.store.CountJobsByStatus(ctx)
		if err == nil {
			d.metrics.SetQueueDepth(counts)
		} else if ctx.Err() == nil {
			d.logger.Warn("Failed to read queue depth: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
