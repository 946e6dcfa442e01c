package scraper

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// nextURL finds the next-page link using the pagination selector chain.
// The first selector whose attribute passes ValidationPattern wins; the
// result is absolute, or "" when there is no next page.
func nextURL(doc *goquery.Document, pageURL string, cfg *types.PaginationConfig) string {
	if cfg == nil {
		cfg = types.GetDefaultPaginationConfig()
	}
	attribute := cfg.Attribute
	if attribute == "" {
		attribute = "href"
	}

	var pattern *regexp.Regexp
	if cfg.ValidationPattern != "" {
		// An invalid pattern disables validation rather than pagination.
		pattern, _ = regexp.Compile(cfg.ValidationPattern)
	}

	var next string
	for _, selector := range cfg.Selectors {
		el := doc.Find(selector)
		if el.Length() == 0 {
			continue
		}
		value, exists := el.First().Attr(attribute)
		value = strings.TrimSpace(value)
		if !exists || value == "" {
			continue
		}
		if pattern != nil && !pattern.MatchString(value) {
			continue
		}
		next = value
		break
	}
	if next == "" {
		return ""
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
