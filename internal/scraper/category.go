package scraper

import (
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Category listing selector names.
const (
	ListingContainer = "container"
	ListingItem      = "item"
	ListingLink      = "link"
	ListingTitle     = "title"
	ListingPrice     = "price"
)

var defaultCategorySelectors = map[string]string{
	ListingContainer: ".product-grid",
	ListingItem:      ".product-card",
	ListingLink:      "a.product-card__link",
	ListingTitle:     ".product-card__title",
	ListingPrice:     ".product-card__price",
}

// sourceIDAttr carries the product id on cards and detail pages when the
// site exposes it.
const sourceIDAttr = "data-product-id"

// CategoryScraper collects the product summaries of a category listing
// across all of its pages.
type CategoryScraper struct {
	opts      Options
	selectors SelectorSet
}

// NewCategoryScraper creates a category listing scraper.
func NewCategoryScraper(opts Options) *CategoryScraper {
	opts = opts.withDefaults()
	return &CategoryScraper{
		opts:      opts,
		selectors: newSelectorSet(defaultCategorySelectors, ListingContainer).With(opts.Selectors.Category),
	}
}

func (s *CategoryScraper) Type() types.TargetType {
	return types.TargetCategory
}

// Scrape walks the listing. It follows next links, then load-more
// buttons, then infinite scroll, and stops when a page adds no new
// product or MaxPages pages have been read.
func (s *CategoryScraper) Scrape(ctx context.Context, sess browser.Session, target types.Target) (*types.Records, error) {
	doc, err := load(ctx, sess, s.selectors, ListingContainer, target, s.opts.WaitTimeout)
	if err != nil {
		return nil, err
	}

	rec := &types.Records{}
	seen := make(map[string]bool)
	visited := map[string]bool{sess.URL(): true}
	now := time.Now().UTC()

	for {
		rec.Pages++
		added, err := s.collect(doc, sess.URL(), target, now, seen, rec)
		if err != nil {
			return nil, err
		}
		s.opts.Logger.Debug("Category %s page %d: %d new products", target.ID, rec.Pages, added)

		if added == 0 && rec.Pages > 1 {
			break
		}
		if rec.Pages >= s.opts.MaxPages {
			s.opts.Logger.Info("Category %s reached the page cap of %d", target.ID, s.opts.MaxPages)
			break
		}

		advanced, err := s.advance(ctx, sess, doc, target, visited)
		if err != nil {
			return nil, err
		}
		if !advanced {
			break
		}
		if doc, err = sess.Document(ctx); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// advance moves the session to the next chunk of the listing and reports
// whether there was one.
func (s *CategoryScraper) advance(ctx context.Context, sess browser.Session, doc *goquery.Document, target types.Target, visited map[string]bool) (bool, error) {
	pag := s.opts.Pagination

	if next := nextURL(doc, sess.URL(), pag); next != "" && !visited[next] {
		visited[next] = true
		if err := sess.Navigate(ctx, next); err != nil {
			return false, err
		}
		return true, waitForContainer(ctx, sess, s.selectors, ListingContainer, target.String(), s.opts.WaitTimeout)
	}

	if pag.LoadMoreSelector != "" {
		clicked, err := sess.Click(ctx, pag.LoadMoreSelector)
		if err != nil {
			return false, err
		}
		if clicked {
			return true, nil
		}
	}

	if pag.InfiniteScroll {
		if err := sess.ScrollToBottom(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// collect appends the products of doc not seen before and returns how
// many it added.
func (s *CategoryScraper) collect(doc *goquery.Document, pageURL string, target types.Target, now time.Time, seen map[string]bool, rec *types.Records) (int, error) {
	grid, err := s.selectors.Find(doc.Selection, ListingContainer, target.String())
	if err != nil {
		return 0, err
	}

	added := 0
	grid.Find(s.selectors.Get(ListingItem)).Each(func(_ int, card *goquery.Selection) {
		link := card.Find(s.selectors.Get(ListingLink)).First()
		href := absURL(pageURL, attr(link, "href"))

		sourceID := attr(card, sourceIDAttr)
		if sourceID == "" {
			sourceID = SourceIDFromURL(href)
		}
		if sourceID == "" || seen[sourceID] {
			return
		}

		title := text(card.Find(s.selectors.Get(ListingTitle)).First())
		if title == "" {
			title = text(link)
		}
		if title == "" {
			return
		}
		seen[sourceID] = true

		price, currency := ParsePrice(text(card.Find(s.selectors.Get(ListingPrice)).First()))
		rec.Products = append(rec.Products, types.Product{
			SourceID:     sourceID,
			Title:        title,
			Price:        price,
			Currency:     currency,
			SourceURL:    href,
			CategorySlug: target.ID,
			ScrapedAt:    now,
		})
		added++
	})
	return added, nil
}
