package scraper

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// slugRegex matches runs of anything that is not a letter or digit.
var slugRegex = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Slugify lowercases s and joins its words with hyphens.
func Slugify(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "&", " and "))
	s = slugRegex.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// lastSegment returns the last non-empty path segment of raw.
func lastSegment(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

// SlugFromURL derives a stable category slug from its URL, falling back
// to the title when the URL has no usable path.
func SlugFromURL(raw, title string) string {
	if seg := Slugify(lastSegment(raw)); seg != "" {
		return seg
	}
	return Slugify(title)
}

// SourceIDFromURL returns the product handle, the last path segment of a
// product URL.
func SourceIDFromURL(raw string) string {
	return strings.ToLower(lastSegment(raw))
}

// priceRegex finds the first number-like run, e.g. "1,079.00" or "4.99".
var priceRegex = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

var isoCodeRegex = regexp.MustCompile(`\b[A-Z]{3}\b`)

var currencySymbols = map[string]string{
	"£": "GBP",
	"€": "EUR",
	"$": "USD",
	"¥": "JPY",
}

// ParsePrice extracts a positive amount and its ISO currency from text
// such as "£4.99" or "AED 1,079.00". A missing or non-positive amount
// gives a nil price.
func ParsePrice(s string) (*float64, string) {
	currency := ""
	for symbol, code := range currencySymbols {
		if strings.Contains(s, symbol) {
			currency = code
			break
		}
	}
	if currency == "" {
		currency = isoCodeRegex.FindString(s)
	}

	found := priceRegex.FindString(s)
	if found == "" {
		return nil, currency
	}
	price, err := strconv.ParseFloat(strings.ReplaceAll(found, ",", ""), 64)
	if err != nil || price <= 0 {
		return nil, currency
	}
	return &price, currency
}

var ratingRegex = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

var ratingWords = map[string]float64{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
}

// ParseRating reads a rating from "4.5 out of 5", "4,5", or a star-class
// word such as "star-rating Four". ok is false when nothing is found.
func ParseRating(s string) (float64, bool) {
	if m := ratingRegex.FindString(s); m != "" {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
		if err == nil {
			return v, true
		}
	}
	for _, word := range strings.Fields(strings.ToLower(s)) {
		if v, ok := ratingWords[word]; ok {
			return v, true
		}
	}
	return 0, false
}

// reviewRating converts a parsed rating to the integer a single review
// carries. Fractional values have no integer form and report false, so
// 5.4 is never stored as 5.
func reviewRating(v float64) (int, bool) {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}

var countRegex = regexp.MustCompile(`\d[\d,]*`)

// parseCount reads the first integer in s, e.g. "1,204 reviews".
func parseCount(s string) (int, bool) {
	m := countRegex.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

var reviewDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2 January 2006",
	"02 January 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"02/01/2006",
}

// ParseReviewDate parses the date formats seen on review blocks. The
// result is UTC.
func ParseReviewDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Reviewed on ")
	for _, layout := range reviewDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
