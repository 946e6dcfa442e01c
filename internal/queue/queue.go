// Package queue implements the durable scrape job queue on top of the
// scrape_jobs table. At most one waiting or active job exists per target.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Store is the persistence the queue needs. *database.DB implements it.
type Store interface {
	CreateJob(ctx context.Context, target types.Target, maxAttempts int) (*types.ScrapeJob, bool, error)
	ClaimNextJob(ctx context.Context) (*types.ScrapeJob, error)
	CompleteJob(ctx context.Context, id, result string) error
	FailJob(ctx context.Context, id, lastError, errorKind string) error
	RetryJob(ctx context.Context, id, lastError, errorKind string, availableAt time.Time) error
	GetJob(ctx context.Context, id string) (*types.ScrapeJob, error)
	LatestJobForTarget(ctx context.Context, target types.Target) (*types.ScrapeJob, error)
	ListJobs(ctx context.Context, f database.JobFilter) ([]*types.ScrapeJob, error)
	ReleaseJob(ctx context.Context, id, reason string) error
	RequeueStaleJobs(ctx context.Context, cutoff time.Time) (*database.RecoveredJobs, error)
}

// Logger is the logging the queue needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Options configures a Queue.
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
	Backoff      Backoff
	Logger       Logger
	Metrics      *metrics.PrometheusMetrics
}

// EnqueueResult reports the job serving a target. Created is false when an
// existing waiting or active job was returned.
type EnqueueResult struct {
	JobID   string          `json:"job_id"`
	Created bool            `json:"created"`
	Status  types.JobStatus `json:"status"`
}

// FailOutcome reports what MarkFailed did with the job.
type FailOutcome struct {
	Status  types.JobStatus
	Attempt int
	RetryIn time.Duration
}

// Queue is safe for concurrent use.
type Queue struct {
	store   Store
	opts    Options
	now     func() time.Time
	wake    chan struct{}
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// New creates a queue over store.
func New(store Store, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Queue{
		store:   store,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
		waiters: make(map[string][]chan struct{}),
	}
}

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Enqueue creates a waiting job for target, or returns the job already
// waiting or running for it.
func (q *Queue) Enqueue(ctx context.Context, target types.Target) (*EnqueueResult, error) {
	if _, err := types.ParseTargetType(string(target.Type)); err != nil {
		return nil, errors.NewValidationError(target.String(), "invalid target", err)
	}
	if strings.TrimSpace(target.ID) == "" {
		return nil, errors.NewValidationError(target.String(), "target id is required", nil)
	}

	job, created, err := q.store.CreateJob(ctx, target, q.opts.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", target, err)
	}
	if q.opts.Metrics != nil {
		q.opts.Metrics.RecordEnqueue(string(target.Type), created)
	}
	if created {
		q.opts.Logger.Info("Enqueued job %s for %s", job.ID, target)
		q.signal()
	} else {
		q.opts.Logger.Debug("Job %s already %s for %s", job.ID, job.Status, target)
	}
	return &EnqueueResult{JobID: job.ID, Created: created, Status: job.Status}, nil
}

// Dequeue blocks until a job is ready and claims it, or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*types.ScrapeJob, error) {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := q.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		if job != nil {
			return job, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// MarkCompleted stores result as JSON and finishes the job.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string, result any) error {
	payload := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
		}
		payload = string(b)
	}
	if err := q.store.CompleteJob(ctx, jobID, payload); err != nil {
		return err
	}
	q.notify(jobID)
	return nil
}

// MarkFailed records a failed attempt. A retryable failure with attempts
// left returns the job to waiting after a backoff delay under the same id;
// anything else fails the job for good.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, cause error, retryable bool) (*FailOutcome, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	kind := string(errors.KindOf(cause))

	if retryable && job.Attempts < job.MaxAttempts {
		delay := q.opts.Backoff.Delay(job.Attempts)
		if err := q.store.RetryJob(ctx, jobID, msg, kind, q.now().Add(delay)); err != nil {
			return nil, err
		}
		return &FailOutcome{Status: types.JobWaiting, Attempt: job.Attempts, RetryIn: delay}, nil
	}

	if err := q.store.FailJob(ctx, jobID, msg, kind); err != nil {
		return nil, err
	}
	q.notify(jobID)
	return &FailOutcome{Status: types.JobFailed, Attempt: job.Attempts}, nil
}

// Release puts an interrupted job back to waiting, immediately claimable
// and with the interrupted attempt uncounted.
func (q *Queue) Release(ctx context.Context, jobID string, cause error) error {
	reason := "interrupted by shutdown"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	if err := q.store.ReleaseJob(ctx, jobID, reason); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Get returns the current view of a job.
func (q *Queue) Get(ctx context.Context, jobID string) (*types.JobView, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// Status returns the open job of target or, failing that, its latest one.
func (q *Queue) Status(ctx context.Context, target types.Target) (*types.JobView, error) {
	job, err := q.store.LatestJobForTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// List returns recent jobs matching f.
func (q *Queue) List(ctx context.Context, f database.JobFilter) ([]*types.JobView, error) {
	jobs, err := q.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]*types.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views, nil
}

// Recover returns active jobs started more than staleAfter ago to waiting,
// or fails them when they were on their final attempt. staleAfter must
// exceed the longest a live worker can hold a job.
func (q *Queue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	recovered, err := q.store.RequeueStaleJobs(ctx, q.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	n := recovered.Total()
	if n == 0 {
		return 0, nil
	}
	q.opts.Logger.Warn("Recovered %d interrupted jobs", n)
	if q.opts.Metrics != nil {
		q.opts.Metrics.RecordRecovered(n)
	}
	for _, id := range recovered.Failed {
		q.notify(id)
	}
	if len(recovered.Requeued) > 0 {
		q.signal()
	}
	return n, nil
}

// Await blocks until the job reaches a terminal state or ctx ends, and
// returns the latest view either way. On ctx expiry the error is ctx.Err().
func (q *Queue) Await(ctx context.Context, jobID string) (*types.JobView, error) {
	// Subscribe before reading so a completion between the read and the
	// wait is not missed.
	done := q.subscribe(jobID)
	defer func() { q.unsubscribe(jobID, done) }()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	var last *types.JobView
	for {
		job, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		last = job.View()
		if job.Status.Terminal() {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-done:
			done = q.subscribe(jobID)
		case <-ticker.C:
		}
	}
}

func (q *Queue) subscribe(jobID string) chan struct{} {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) unsubscribe(jobID string, ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiters[jobID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.waiters, jobID)
		return
	}
	q.waiters[jobID] = list
}

// notify wakes every Await on jobID.
func (q *Queue) notify(jobID string) {
	q.mu.Lock()
	list := q.waiters[jobID]
	delete(q.waiters, jobID)
	q.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Backoff computes retry delays: Base * Factor^(attempt-1), capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff is 2s doubling up to one minute.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: time.Minute, Factor: 2}
}

// Delay returns the wait before the attempt following attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
