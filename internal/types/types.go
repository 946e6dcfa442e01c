package types

import (
	"fmt"
	"time"
)

// TargetType identifies which kind of page a scrape job fetches.
type TargetType string

const (
	TargetNavigation TargetType = "navigation"
	TargetCategory   TargetType = "category"
	TargetProduct    TargetType = "product"
)

// NavigationTargetID is the only identifier a navigation target ever has:
// there is one site root.
const NavigationTargetID = "root"

// ParseTargetType validates a raw target type string.
func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(s) {
	case TargetNavigation, TargetCategory, TargetProduct:
		return TargetType(s), nil
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

// Target is a (type, identifier) pair. URL is filled in by the dispatcher
// right before a scraper runs.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
	URL  string     `json:"url,omitempty"`
}

func (t Target) String() string {
	return string(t.Type) + ":" + t.ID
}

// NavigationTarget returns the single site-root target.
func NavigationTarget() Target {
	return Target{Type: TargetNavigation, ID: NavigationTargetID}
}

// CategoryTarget returns the target for a category listing.
func CategoryTarget(slug string) Target {
	return Target{Type: TargetCategory, ID: slug}
}

// ProductTarget returns the target for a product detail page.
func ProductTarget(sourceID string) Target {
	return Target{Type: TargetProduct, ID: sourceID}
}

// NavigationItem is a top-level entry of the site navigation.
type NavigationItem struct {
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	SourceURL   string    `json:"source_url"`
	HasChildren bool      `json:"has_children"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Category is a node of the category tree. ParentSlug is empty for
// categories hanging directly under a navigation item.
type Category struct {
	Slug              string     `json:"slug"`
	Title             string     `json:"title"`
	NavigationSlug    string     `json:"navigation_slug"`
	ParentSlug        string     `json:"parent_slug,omitempty"`
	Level             int        `json:"level"`
	SourceURL         string     `json:"source_url"`
	ProductsScrapedAt *time.Time `json:"products_scraped_at,omitempty"`
	ScrapedAt         time.Time  `json:"scraped_at"`
}

// Product is a product summary as seen on a category listing.
type Product struct {
	SourceID        string     `json:"source_id"`
	Title           string     `json:"title"`
	Price           *float64   `json:"price"`
	Currency        string     `json:"currency,omitempty"`
	SourceURL       string     `json:"source_url"`
	CategorySlug    string     `json:"category_slug"`
	ScrapedAt       time.Time  `json:"scraped_at"`
	DetailScrapedAt *time.Time `json:"detail_scraped_at,omitempty"`
}

// SpecEntry is one row of a product's specification table.
type SpecEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RelatedProduct is a reference to another product shown on a detail page.
type RelatedProduct struct {
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url"`
}

// ProductDetail holds the long-form data of a product page.
type ProductDetail struct {
	ProductSourceID    string           `json:"product_source_id"`
	Description        string           `json:"description"`
	Specs              []SpecEntry      `json:"specs"`
	RatingAverage      *float64         `json:"rating_average"`
	ReviewsCount       int              `json:"reviews_count"`
	Related            []RelatedProduct `json:"related,omitempty"`
	DescriptionChanges string           `json:"description_changes,omitempty"`
	ScrapedAt          time.Time        `json:"scraped_at"`
}

// Review is a single customer review.
type Review struct {
	ProductSourceID string    `json:"product_source_id" validate:"required"`
	Author          string    `json:"author" validate:"required,max=200"`
	Rating          int       `json:"rating" validate:"min=1,max=5"`
	Text            string    `json:"text" validate:"max=20000"`
	CreatedAt       time.Time `json:"created_at"`
}

// Records is everything a scraper extracted from one target. Only the
// fields matching the target type are populated.
type Records struct {
	Navigation []NavigationItem `json:"navigation,omitempty"`
	Categories []Category       `json:"categories,omitempty"`
	Products   []Product        `json:"products,omitempty"`
	Product    *Product         `json:"product,omitempty"`
	Detail     *ProductDetail   `json:"detail,omitempty"`
	Reviews    []Review         `json:"reviews,omitempty"`
	Pages      int              `json:"pages"`
}

// JobStatus is the lifecycle state of a scrape job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ScrapeJob is the persisted operational record of one scrape.
type ScrapeJob struct {
	ID          string     `json:"id"`
	Target      Target     `json:"target"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Result      string     `json:"result,omitempty"`
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobView is the status projection returned to callers.
type JobView struct {
	ID         string     `json:"id"`
	Type       TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Result     string     `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// View projects a job for API consumers.
func (j *ScrapeJob) View() *JobView {
	return &JobView{
		ID:         j.ID,
		Type:       j.Target.Type,
		TargetID:   j.Target.ID,
		Status:     j.Status,
		Attempts:   j.Attempts,
		LastError:  j.LastError,
		ErrorKind:  j.ErrorKind,
		Result:     j.Result,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// PaginationConfig defines how a category listing finds its next page
type PaginationConfig struct {
	// Selectors is an ordered list of CSS selectors to try for finding the next page link
	// The first selector that matches will be used
	Selectors []string `json:"selectors,omitempty" mapstructure:"selectors"`

	// Attribute is the HTML attribute to extract from the matched element (default: "href")
	Attribute string `json:"attribute,omitempty" mapstructure:"attribute"`

	// ValidationPattern is an optional regex pattern to validate the extracted URL
	ValidationPattern string `json:"validation_pattern,omitempty" mapstructure:"validation_pattern"`

	// LoadMoreSelector is clicked when no next link exists (button-driven listings)
	LoadMoreSelector string `json:"load_more_selector,omitempty" mapstructure:"load_more_selector"`

	// InfiniteScroll scrolls to the bottom and re-reads the listing when neither
	// a next link nor a load-more button is present
	InfiniteScroll bool `json:"infinite_scroll,omitempty" mapstructure:"infinite_scroll"`
}

// GetDefaultPaginationConfig returns a configuration with common pagination selectors
func GetDefaultPaginationConfig() *PaginationConfig {
	return &PaginationConfig{
		Selectors: []string{
			"a[rel='next']",          // Semantic HTML rel attribute
			"li.next a",              // Common list-based pager
			"a.next",                 // Common "next" class
			".pagination .next a",    // Bootstrap-style pagination
			"a[aria-label='Next']",   // Accessible pagination
			"a.pagination__next",     // BEM-style pager
		},
		Attribute:        "href",
		LoadMoreSelector: "button.load-more",
	}
}
