// Package scraper turns browser pages into catalog records. Each scraper
// handles one target type and returns records without persisting them.
package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/config"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Scraper extracts the records of one target type.
type Scraper interface {
	Type() types.TargetType
	// Scrape loads target.URL in sess and extracts records from it. A
	// required page element that never appears is a structural mismatch.
	Scrape(ctx context.Context, sess browser.Session, target types.Target) (*types.Records, error)
}

// Logger is the logging the scrapers need.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
}

// Options holds the limits and selector overrides shared by the scrapers.
type Options struct {
	WaitTimeout time.Duration
	MaxPages    int
	MaxRelated  int
	MaxReviews  int
	Pagination  *types.PaginationConfig
	Selectors   config.SelectorConfig
	Logger      Logger
}

// OptionsFromConfig builds scraper options from the runtime config.
func OptionsFromConfig(cfg *config.Config, log Logger) Options {
	return Options{
		WaitTimeout: cfg.Browser.WaitTimeout,
		MaxPages:    cfg.Scrape.MaxPages,
		MaxRelated:  cfg.Scrape.MaxRelated,
		MaxReviews:  cfg.Scrape.MaxReviews,
		Pagination:  cfg.Scrape.Pagination,
		Selectors:   cfg.Selectors,
		Logger:      log,
	}
}

func (o Options) withDefaults() Options {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 15 * time.Second
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
	if o.MaxRelated <= 0 {
		o.MaxRelated = 12
	}
	if o.MaxReviews <= 0 {
		o.MaxReviews = 100
	}
	if o.Pagination == nil {
		o.Pagination = types.GetDefaultPaginationConfig()
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// Registry maps target types to their scrapers.
type Registry struct {
	scrapers map[types.TargetType]Scraper
}

// NewRegistry registers scrapers by their Type.
func NewRegistry(scrapers ...Scraper) *Registry {
	r := &Registry{scrapers: make(map[types.TargetType]Scraper, len(scrapers))}
	for _, s := range scrapers {
		r.scrapers[s.Type()] = s
	}
	return r
}

// DefaultRegistry returns the navigation, category and product scrapers.
func DefaultRegistry(opts Options) *Registry {
	return NewRegistry(
		NewNavigationScraper(opts),
		NewCategoryScraper(opts),
		NewProductScraper(opts),
	)
}

// Get returns the scraper for t.
func (r *Registry) Get(t types.TargetType) (Scraper, error) {
	s, ok := r.scrapers[t]
	if !ok {
		return nil, fmt.Errorf("no scraper registered for %q", t)
	}
	return s, nil
}

// SelectorSet names the CSS selectors one scraper uses. Required names
// are page containers whose absence means the page layout changed.
type SelectorSet struct {
	selectors map[string]string
	required  map[string]bool
}

func newSelectorSet(defaults map[string]string, required ...string) SelectorSet {
	s := SelectorSet{
		selectors: make(map[string]string, len(defaults)),
		required:  make(map[string]bool, len(required)),
	}
	for k, v := range defaults {
		s.selectors[k] = v
	}
	for _, name := range required {
		s.required[name] = true
	}
	return s
}

// With returns a copy with the known names in overrides replaced.
func (s SelectorSet) With(overrides map[string]string) SelectorSet {
	out := newSelectorSet(s.selectors)
	out.required = s.required
	for name, sel := range overrides {
		if _, known := out.selectors[name]; known && strings.TrimSpace(sel) != "" {
			out.selectors[name] = sel
		}
	}
	return out
}

// Get returns the selector registered under name.
func (s SelectorSet) Get(name string) string {
	return s.selectors[name]
}

// Required reports whether name is a required container.
func (s SelectorSet) Required(name string) bool {
	return s.required[name]
}

// Find returns the matches of name within sel. A required name that
// matches nothing yields a structural mismatch.
func (s SelectorSet) Find(sel *goquery.Selection, name, target string) (*goquery.Selection, error) {
	found := sel.Find(s.Get(name))
	if found.Length() == 0 && s.Required(name) {
		return found, errors.NewStructuralMismatch(target, name, s.Get(name))
	}
	return found, nil
}

// waitForContainer waits for the named container and fails with a
// structural mismatch if it does not appear in time.
func waitForContainer(ctx context.Context, sess browser.Session, set SelectorSet, name, target string, timeout time.Duration) error {
	found, err := sess.WaitFor(ctx, set.Get(name), timeout)
	if err != nil {
		return err
	}
	if !found {
		return errors.NewStructuralMismatch(target, name, set.Get(name))
	}
	return nil
}

// load navigates to target.URL and returns the DOM once the named
// container is present.
func load(ctx context.Context, sess browser.Session, set SelectorSet, container string, target types.Target, timeout time.Duration) (*goquery.Document, error) {
	if target.URL == "" {
		return nil, errors.NewValidationError(target.String(), "target has no URL", nil)
	}
	if err := sess.Navigate(ctx, target.URL); err != nil {
		return nil, err
	}
	if err := waitForContainer(ctx, sess, set, container, target.String(), timeout); err != nil {
		return nil, err
	}
	return sess.Document(ctx)
}

// text returns the trimmed, whitespace-collapsed text of sel.
func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// attr returns the trimmed value of the first element's attribute.
func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.First().Attr(name)
	return strings.TrimSpace(v)
}

// absURL resolves href against base. Empty or unparsable hrefs give "".
func absURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
