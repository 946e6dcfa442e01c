// Package browser adapts headless browsers to the small surface the
// scrapers drive: navigate, wait, scroll, click and snapshot the DOM.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"

	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
)

// Session is one browser tab. Every call honours ctx; when ctx ends the
// call returns its error.
type Session interface {
	// Navigate loads url and waits for the document body.
	Navigate(ctx context.Context, url string) error
	// WaitFor waits up to timeout for selector to match. It reports false,
	// not an error, when the selector never appears.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	// ScrollToBottom scrolls the page to trigger lazy loading.
	ScrollToBottom(ctx context.Context) error
	// Click clicks the first element matching selector. It reports false
	// when nothing matches.
	Click(ctx context.Context, selector string) (bool, error)
	// Document returns a snapshot of the current DOM.
	Document(ctx context.Context) (*goquery.Document, error)
	// URL is the address of the last navigation.
	URL() string
	Close() error
}

// Provider opens sessions. The browser behind a session is bound to the
// ctx passed to Open.
type Provider interface {
	Open(ctx context.Context) (Session, error)
}

// Logger is the logging the browser backends need.
type Logger interface {
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Pool bounds the number of concurrently open sessions.
type Pool struct {
	provider Provider
	sem      *semaphore.Weighted
	size     int
	metrics  *metrics.PrometheusMetrics
}

// NewPool allows at most size sessions of provider at once.
func NewPool(provider Provider, size int, m *metrics.PrometheusMetrics) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(size)),
		size:     size,
		metrics:  m,
	}
}

// Size returns the session limit.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks for a free slot and opens a session in it. Closing the
// returned session frees the slot.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	sess, err := p.provider.Open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}
	if p.metrics != nil {
		p.metrics.SessionOpened()
	}
	return &pooledSession{Session: sess, pool: p}, nil
}

type pooledSession struct {
	Session
	pool *Pool
	once sync.Once
}

func (s *pooledSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Session.Close()
		if s.pool.metrics != nil {
			s.pool.metrics.SessionClosed()
		}
		s.pool.sem.Release(1)
	})
	return err
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
