package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
)

// StaticSite is a Provider serving fixed HTML by URL. Pages can change on
// click or scroll, which is enough to drive paginated listings without a
// real browser.
type StaticSite struct {
	mu     sync.Mutex
	pages  map[string]*StaticPage
	fails  map[string][]error
	visits map[string]int
	open   int
	opened int
}

// StaticPage is the HTML served for one URL plus the states it moves to.
type StaticPage struct {
	HTML     string
	clicks   map[string][]string
	scrolled []string
}

// NewStaticSite returns an empty site.
func NewStaticSite() *StaticSite {
	return &StaticSite{
		pages:  make(map[string]*StaticPage),
		fails:  make(map[string][]error),
		visits: make(map[string]int),
	}
}

// Handle serves html at url.
func (s *StaticSite) Handle(url, html string) *StaticPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &StaticPage{HTML: html, clicks: make(map[string][]string)}
	s.pages[url] = p
	return p
}

// OnClick queues the states the page takes on successive clicks of
// selector.
func (p *StaticPage) OnClick(selector string, states ...string) *StaticPage {
	p.clicks[selector] = append(p.clicks[selector], states...)
	return p
}

// OnScroll queues the states the page takes on successive scrolls.
func (p *StaticPage) OnScroll(states ...string) *StaticPage {
	p.scrolled = append(p.scrolled, states...)
	return p
}

// FailNext makes the next navigations to url fail with errs, in order.
func (s *StaticSite) FailNext(url string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[url] = append(s.fails[url], errs...)
}

// Visits returns how many navigations reached url.
func (s *StaticSite) Visits(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[url]
}

// OpenSessions returns the number of sessions not yet closed.
func (s *StaticSite) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Opened returns the number of sessions ever opened.
func (s *StaticSite) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *StaticSite) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open++
	s.opened++
	s.mu.Unlock()
	return &staticSession{site: s}, nil
}

type staticSession struct {
	site     *StaticSite
	url      string
	html     string
	clicks   map[string]int
	scrolled int
	closed   bool
}

func (ss *staticSession) page() *StaticPage {
	ss.site.mu.Lock()
	defer ss.site.mu.Unlock()
	return ss.site.pages[ss.url]
}

func (ss *staticSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewScraperError(url, "navigation failed", err)
	}
	s := ss.site
	s.mu.Lock()
	s.visits[url]++
	if queued := s.fails[url]; len(queued) > 0 {
		err := queued[0]
		s.fails[url] = queued[1:]
		s.mu.Unlock()
		return errors.NewScraperError(url, "navigation failed", err)
	}
	p, ok := s.pages[url]
	s.mu.Unlock()
	if !ok {
		return errors.NewScraperError(url, "navigation failed", fmt.Errorf("net::ERR_HTTP_RESPONSE_CODE_FAILURE (404)"))
	}

	ss.url = url
	ss.html = p.HTML
	ss.clicks = make(map[string]int)
	ss.scrolled = 0
	return nil
}

func (ss *staticSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.NewScraperError(ss.url, "wait interrupted", err)
	}
	doc, err := ss.Document(ctx)
	if err != nil {
		return false, err
	}
	return doc.Find(selector).Length() > 0, nil
}

func (ss *staticSession) ScrollToBottom(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewScraperError(ss.url, "scroll failed", err)
	}
	p := ss.page()
	if p != nil && ss.scrolled < len(p.scrolled) {
		ss.html = p.scrolled[ss.scrolled]
		ss.scrolled++
	}
	return nil
}

func (ss *staticSession) Click(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.NewScraperError(ss.url, "click failed", err)
	}
	doc, err := ss.Document(ctx)
	if err != nil {
		return false, err
	}
	if doc.Find(selector).Length() == 0 {
		return false, nil
	}
	p := ss.page()
	if p != nil {
		states := p.clicks[selector]
		if n := ss.clicks[selector]; n < len(states) {
			ss.html = states[n]
			ss.clicks[selector] = n + 1
		}
	}
	return true, nil
}

func (ss *staticSession) Document(ctx context.Context) (*goquery.Document, error) {
	if ss.url == "" {
		return nil, errors.NewScraperError("", "no page loaded", nil)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(ss.html))
}

func (ss *staticSession) URL() string {
	return ss.url
}

func (ss *staticSession) Close() error {
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.site.mu.Lock()
	ss.site.open--
	ss.site.mu.Unlock()
	return nil
}
