package scraper

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Fantasy Fiction":     "fantasy-fiction",
		"Crime & Thriller":    "crime-and-thriller",
		"  Sci-Fi / Horror  ": "sci-fi-horror",
		"Ügyes Könyvek":       "ügyes-könyvek",
		"---":                 "",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugFromURL(t *testing.T) {
	tests := []struct {
		url, title, want string
	}{
		{"https://shop.test/en-gb/collections/fantasy-fiction-books", "Fantasy", "fantasy-fiction-books"},
		{"https://shop.test/en-gb/collections/fantasy-fiction-books/", "Fantasy", "fantasy-fiction-books"},
		{"https://shop.test/en-gb/collections/rare?page=2", "Rare", "rare"},
		{"", "Rare Books", "rare-books"},
	}
	for _, tt := range tests {
		if got := SlugFromURL(tt.url, tt.title); got != tt.want {
			t.Errorf("SlugFromURL(%q, %q) = %q, want %q", tt.url, tt.title, got, tt.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     float64
		currency string
		ok       bool
	}{
		{"Pounds", "£4.99", 4.99, "GBP", true},
		{"Euros with text", "Now only €12.50", 12.50, "EUR", true},
		{"ISO code with comma", "AED 1,079.00", 1079.00, "AED", true},
		{"Integer", "$99", 99, "USD", true},
		{"Zero", "£0.00", 0, "GBP", false},
		{"No number", "Out of stock", 0, "", false},
		{"Empty", "", 0, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			price, currency := ParsePrice(tc.input)
			if currency != tc.currency {
				t.Errorf("currency = %q, want %q", currency, tc.currency)
			}
			if !tc.ok {
				if price != nil {
					t.Errorf("ParsePrice(%q) = %v, want nil", tc.input, *price)
				}
				return
			}
			if price == nil || *price != tc.want {
				t.Errorf("ParsePrice(%q) = %v, want %v", tc.input, price, tc.want)
			}
		})
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		input string
		want  float64
		ok    bool
	}{
		{"4.5 out of 5", 4.5, true},
		{"4,2", 4.2, true},
		{"star-rating Four", 4, true},
		{"no rating yet", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRating(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRating(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReviewRating(t *testing.T) {
	tests := []struct {
		input float64
		want  int
		ok    bool
	}{
		{5, 5, true},
		{1, 1, true},
		{9, 9, true},
		{5.4, 0, false},
		{0.6, 0, false},
		{4.5, 0, false},
	}
	for _, tt := range tests {
		got, ok := reviewRating(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("reviewRating(%v) = %d, %v; want %d, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseReviewDate(t *testing.T) {
	want := time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-02-12", "12 February 2024", "February 12, 2024", "12 Feb 2024", "Reviewed on 12 February 2024"} {
		got, ok := ParseReviewDate(in)
		if !ok || !got.Equal(want) {
			t.Errorf("ParseReviewDate(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseReviewDate("last week"); ok {
		t.Error("relative dates are not parsed")
	}
}

func TestNextURL(t *testing.T) {
	html := `<html><body>
		<a class="next" href="javascript:void(0)">js</a>
		<li class="next"><a href="/collections/fantasy?page=3">Next</a></li>
	</body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}

	cfg := &types.PaginationConfig{
		Selectors:         []string{"a[rel='next']", "a.next", "li.next a"},
		ValidationPattern: `page=\d+`,
	}
	got := nextURL(doc, "https://shop.test/collections/fantasy?page=2", cfg)
	if got != "https://shop.test/collections/fantasy?page=3" {
		t.Errorf("nextURL = %q", got)
	}

	cfg.Selectors = []string{"a[rel='next']"}
	if got := nextURL(doc, "https://shop.test/", cfg); got != "" {
		t.Errorf("expected no next URL, got %q", got)
	}
}
