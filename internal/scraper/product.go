package scraper

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/browser"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// Product page selector names.
const (
	ProductContainer    = "container"
	ProductTitle        = "title"
	ProductPrice        = "price"
	ProductDescription  = "description"
	ProductSpecRow      = "spec_row"
	ProductSpecKey      = "spec_key"
	ProductSpecValue    = "spec_value"
	ProductRating       = "rating"
	ProductReviewsCount = "reviews_count"
	ProductRelated      = "related"
	ProductRelatedItem  = "related_item"
	ProductReview       = "review"
	ReviewAuthor        = "review_author"
	ReviewRating        = "review_rating"
	ReviewText          = "review_text"
	ReviewDate          = "review_date"
)

var defaultProductSelectors = map[string]string{
	ProductContainer:    "main.product-page",
	ProductTitle:        "h1.product-title",
	ProductPrice:        ".product-price",
	ProductDescription:  ".product-description",
	ProductSpecRow:      "table.product-specs tr",
	ProductSpecKey:      "th",
	ProductSpecValue:    "td",
	ProductRating:       ".product-rating",
	ProductReviewsCount: ".product-rating .rating-count",
	ProductRelated:      ".related-products",
	ProductRelatedItem:  ".product-card",
	ProductReview:       ".reviews .review",
	ReviewAuthor:        ".review__author",
	ReviewRating:        ".review__rating",
	ReviewText:          ".review__text",
	ReviewDate:          ".review__date",
}

// ProductScraper reads one product detail page.
type ProductScraper struct {
	opts      Options
	selectors SelectorSet
	listing   SelectorSet
}

// NewProductScraper creates a product detail scraper.
func NewProductScraper(opts Options) *ProductScraper {
	opts = opts.withDefaults()
	return &ProductScraper{
		opts:      opts,
		selectors: newSelectorSet(defaultProductSelectors, ProductContainer, ProductTitle).With(opts.Selectors.Product),
		listing:   newSelectorSet(defaultCategorySelectors).With(opts.Selectors.Category),
	}
}

func (s *ProductScraper) Type() types.TargetType {
	return types.TargetProduct
}

// Scrape returns the product, its detail and its reviews. Reviews are
// returned as found; rating bounds are enforced when they are saved.
func (s *ProductScraper) Scrape(ctx context.Context, sess browser.Session, target types.Target) (*types.Records, error) {
	doc, err := load(ctx, sess, s.selectors, ProductContainer, target, s.opts.WaitTimeout)
	if err != nil {
		return nil, err
	}
	page, err := s.selectors.Find(doc.Selection, ProductContainer, target.String())
	if err != nil {
		return nil, err
	}
	page = page.First()
	titleSel, err := s.selectors.Find(page, ProductTitle, target.String())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	price, currency := ParsePrice(text(page.Find(s.selectors.Get(ProductPrice)).First()))
	product := &types.Product{
		SourceID:  target.ID,
		Title:     text(titleSel.First()),
		Price:     price,
		Currency:  currency,
		SourceURL: sess.URL(),
		ScrapedAt: now,
	}

	detail := &types.ProductDetail{
		ProductSourceID: target.ID,
		Description:     s.description(page),
		Specs:           s.specs(page),
		ScrapedAt:       now,
	}

	ratingEl := page.Find(s.selectors.Get(ProductRating)).First()
	if v, ok := ParseRating(attr(ratingEl, "data-rating")); ok {
		detail.RatingAverage = &v
	} else if v, ok := ParseRating(text(ratingEl.Clone().Children().Remove().End())); ok {
		detail.RatingAverage = &v
	}

	reviews := s.reviews(page, target.ID)
	detail.ReviewsCount = len(reviews)
	if n, ok := parseCount(text(page.Find(s.selectors.Get(ProductReviewsCount)).First())); ok {
		detail.ReviewsCount = n
	}
	detail.Related = s.related(page, sess.URL(), target.ID)

	s.opts.Logger.Debug("Product %s: %d specs, %d related, %d reviews",
		target.ID, len(detail.Specs), len(detail.Related), len(reviews))

	return &types.Records{
		Product: product,
		Detail:  detail,
		Reviews: reviews,
		Pages:   1,
	}, nil
}

// description keeps paragraph breaks and collapses other whitespace.
func (s *ProductScraper) description(page *goquery.Selection) string {
	desc := page.Find(s.selectors.Get(ProductDescription)).First()
	if desc.Length() == 0 {
		return ""
	}
	paras := desc.Find("p")
	if paras.Length() == 0 {
		return text(desc)
	}
	var lines []string
	paras.Each(func(_ int, p *goquery.Selection) {
		if t := text(p); t != "" {
			lines = append(lines, t)
		}
	})
	return strings.Join(lines, "\n")
}

// specs returns the specification rows in page order.
func (s *ProductScraper) specs(page *goquery.Selection) []types.SpecEntry {
	var specs []types.SpecEntry
	page.Find(s.selectors.Get(ProductSpecRow)).Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSuffix(text(row.Find(s.selectors.Get(ProductSpecKey)).First()), ":")
		value := text(row.Find(s.selectors.Get(ProductSpecValue)).First())
		if key == "" {
			return
		}
		specs = append(specs, types.SpecEntry{Key: key, Value: value})
	})
	return specs
}

// related returns at most MaxRelated distinct products other than self.
func (s *ProductScraper) related(page *goquery.Selection, pageURL, self string) []types.RelatedProduct {
	var related []types.RelatedProduct
	seen := map[string]bool{self: true}

	page.Find(s.selectors.Get(ProductRelated)).Find(s.selectors.Get(ProductRelatedItem)).
		EachWithBreak(func(_ int, card *goquery.Selection) bool {
			link := card.Find(s.listing.Get(ListingLink)).First()
			if link.Length() == 0 {
				link = card.Find("a[href]").First()
			}
			href := absURL(pageURL, attr(link, "href"))
			id := attr(card, sourceIDAttr)
			if id == "" {
				id = SourceIDFromURL(href)
			}
			if id == "" || seen[id] {
				return true
			}
			seen[id] = true

			title := text(card.Find(s.listing.Get(ListingTitle)).First())
			if title == "" {
				title = text(link)
			}
			related = append(related, types.RelatedProduct{SourceID: id, Title: title, SourceURL: href})
			return len(related) < s.opts.MaxRelated
		})
	return related
}

// reviews returns at most MaxReviews reviews in page order.
func (s *ProductScraper) reviews(page *goquery.Selection, sourceID string) []types.Review {
	var reviews []types.Review
	page.Find(s.selectors.Get(ProductReview)).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		r := types.Review{
			ProductSourceID: sourceID,
			Author:          text(el.Find(s.selectors.Get(ReviewAuthor)).First()),
			Text:            text(el.Find(s.selectors.Get(ReviewText)).First()),
		}

		ratingEl := el.Find(s.selectors.Get(ReviewRating)).First()
		raw := attr(ratingEl, "data-rating")
		if raw == "" {
			raw = text(ratingEl)
		}
		if raw == "" {
			raw = attr(ratingEl, "class")
		}
		// A missing or fractional rating stays zero and fails validation.
		if v, ok := ParseRating(raw); ok {
			if n, ok := reviewRating(v); ok {
				r.Rating = n
			} else {
				s.opts.Logger.Debug("Review by %q on %s has non-integer rating %v", r.Author, sourceID, v)
			}
		}

		dateEl := el.Find(s.selectors.Get(ReviewDate)).First()
		if d, ok := ParseReviewDate(attr(dateEl, "datetime")); ok {
			r.CreatedAt = d
		} else if d, ok := ParseReviewDate(text(dateEl)); ok {
			r.CreatedAt = d
		}

		reviews = append(reviews, r)
		return len(reviews) < s.opts.MaxReviews
	})
	return reviews
}
