// Package freshness decides whether a target is worth scraping again and
// periodically refreshes stale parts of the catalog.
package freshness

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kareemsasa3/catalog-mirror/internal/queue"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Store reports when the data behind a target was last scraped.
type Store interface {
	TargetFreshness(ctx context.Context, target types.Target) (*time.Time, error)
	ListStaleCategories(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Enqueuer is the part of the queue the policy drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, target types.Target) (*queue.EnqueueResult, error)
}

// Decision is the outcome of a scrape request.
type Decision struct {
	Target        types.Target    `json:"-"`
	JobID         string          `json:"job_id,omitempty"`
	Queued        bool            `json:"queued"`
	InFlight      bool            `json:"in_flight"`
	Fresh         bool            `json:"fresh"`
	Status        types.JobStatus `json:"status,omitempty"`
	LastScrapedAt *time.Time      `json:"last_scraped_at,omitempty"`
	Message       string          `json:"message"`
}

// Policy gates enqueueing on data age.
type Policy struct {
	store      Store
	queue      Enqueuer
	staleAfter time.Duration
	now        func() time.Time
}

// NewPolicy creates a policy. A non-positive staleAfter treats all data as
// stale.
func NewPolicy(store Store, q Enqueuer, staleAfter time.Duration) *Policy {
	return &Policy{
		store:      store,
		queue:      q,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// StaleAfter returns the staleness threshold.
func (p *Policy) StaleAfter() time.Duration {
	return p.staleAfter
}

// IsStale reports whether data scraped at last should be refreshed.
func (p *Policy) IsStale(last *time.Time) bool {
	if last == nil {
		return true
	}
	return p.now().Sub(*last) >= p.staleAfter
}

// Request enqueues target when its data is missing, stale or force is set.
// An open job for the target is reported instead of creating another.
func (p *Policy) Request(ctx context.Context, target types.Target, force bool) (*Decision, error) {
	last, err := p.store.TargetFreshness(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to check freshness of %s: %w", target, err)
	}

	d := &Decision{Target: target, LastScrapedAt: last}
	if !force && !p.IsStale(last) {
		d.Fresh = true
		d.Message = fmt.Sprintf("data is fresh (scraped %s)", humanize.RelTime(*last, p.now(), "ago", "from now"))
		return d, nil
	}

	res, err := p.queue.Enqueue(ctx, target)
	if err != nil {
		return nil, err
	}
	d.JobID = res.JobID
	d.Status = res.Status
	d.Queued = res.Created
	d.InFlight = !res.Created
	d.Message = p.message(d, force)
	return d, nil
}

func (p *Policy) message(d *Decision, force bool) string {
	action := "refresh queued"
	if d.InFlight {
		action = "refresh already in progress"
	}
	switch {
	case d.LastScrapedAt == nil:
		if d.InFlight {
			return "no data yet, scrape already in progress"
		}
		return "no data yet, scrape queued"
	case force:
		return fmt.Sprintf("returning cached results from %s, forced %s",
			humanize.RelTime(*d.LastScrapedAt, p.now(), "ago", "from now"), action)
	default:
		return fmt.Sprintf("returning cached results from %s, %s",
			humanize.RelTime(*d.LastScrapedAt, p.now(), "ago", "from now"), action)
	}
}
