package database

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// testLogger implements the Logger interface for testing
type testLogger struct{}

func (l *testLogger) Info(format string, v ...interface{})  {}
func (l *testLogger) Debug(format string, v ...interface{}) {}
func (l *testLogger) Warn(format string, v ...interface{})  {}
func (l *testLogger) Error(format string, v ...interface{}) {}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog_test.db")

	db, err := Initialize(dbPath, &testLogger{})
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func price(v float64) *float64 { return &v }

func seedNavigation(t *testing.T, db *DB) {
	t.Helper()
	items := []types.NavigationItem{
		{Slug: "books", Title: "Books", SourceURL: "https://shop.example.com/books", HasChildren: true},
	}
	categories := []types.Category{
		{Slug: "fiction", Title: "Fiction", ParentSlug: "books", SourceURL: "https://shop.example.com/c/fiction"},
		{Slug: "fantasy", Title: "Fantasy", ParentSlug: "fiction", SourceURL: "https://shop.example.com/c/fantasy"},
	}
	if _, err := db.SaveNavigation(context.Background(), items, categories); err != nil {
		t.Fatalf("SaveNavigation() error = %v", err)
	}
}

func TestInitialize(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"navigation_items", "categories", "products", "product_details", "product_related", "reviews", "scrape_jobs"} {
		var name string
		err := db.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("Failed to find %s table: %v", table, err)
		}
	}
}

func TestInitializeIsRepeatable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	first, err := Initialize(dbPath, &testLogger{})
	if err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	first.Close()

	second, err := Initialize(dbPath, &testLogger{})
	if err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	second.Close()
}

func TestSaveNavigation_Levels(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	categories, err := db.ListCategories(ctx, "books")
	if err != nil {
		t.Fatalf("ListCategories() error = %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(categories))
	}

	levels := map[string]int{}
	for _, c := range categories {
		levels[c.Slug] = c.Level
		if c.NavigationSlug != "books" {
			t.Errorf("category %s has navigation slug %q", c.Slug, c.NavigationSlug)
		}
	}
	if levels["fiction"] != 0 || levels["fantasy"] != 1 {
		t.Errorf("unexpected levels %v", levels)
	}

	nav, err := db.ListNavigation(ctx)
	if err != nil {
		t.Fatalf("ListNavigation() error = %v", err)
	}
	if len(nav) != 1 || !nav[0].HasChildren {
		t.Errorf("unexpected navigation %+v", nav)
	}
}

func TestSaveNavigation_StableSlugOnRescrape(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	renamed := []types.NavigationItem{
		{Slug: "books", Title: "All Books", SourceURL: "https://shop.example.com/books", HasChildren: true},
	}
	if _, err := db.SaveNavigation(ctx, renamed, nil); err != nil {
		t.Fatalf("SaveNavigation() error = %v", err)
	}

	nav, err := db.ListNavigation(ctx)
	if err != nil {
		t.Fatalf("ListNavigation() error = %v", err)
	}
	if len(nav) != 1 {
		t.Fatalf("expected 1 navigation item after re-scrape, got %d", len(nav))
	}
	if nav[0].Title != "All Books" {
		t.Errorf("expected title update, got %q", nav[0].Title)
	}
}

func TestHierarchyIntegrity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.UpsertCategory(ctx, types.Category{
		Slug: "orphan", Title: "Orphan", ParentSlug: "missing", SourceURL: "https://shop.example.com/c/orphan",
	})
	if errors.KindOf(err) != errors.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}

	if _, err := db.GetCategory(ctx, "orphan"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("orphan category must not be stored, got %v", err)
	}
}

func TestSaveNavigation_AtomicOnBadParent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	items := []types.NavigationItem{{Slug: "music", Title: "Music", SourceURL: "https://shop.example.com/music"}}
	categories := []types.Category{
		{Slug: "vinyl", Title: "Vinyl", ParentSlug: "music", SourceURL: "https://shop.example.com/c/vinyl"},
		{Slug: "jazz", Title: "Jazz", ParentSlug: "nowhere", SourceURL: "https://shop.example.com/c/jazz"},
	}
	if _, err := db.SaveNavigation(ctx, items, categories); err == nil {
		t.Fatal("expected error for unresolved parent")
	}

	nav, err := db.ListNavigation(ctx)
	if err != nil {
		t.Fatalf("ListNavigation() error = %v", err)
	}
	if len(nav) != 0 {
		t.Errorf("expected rollback of the whole page, found %d navigation items", len(nav))
	}
}

func TestSaveCategoryListing_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	listing := []types.Product{
		{SourceID: "9780001", Title: "Dragon Book", Price: price(4.99), Currency: "GBP", SourceURL: "https://shop.example.com/p/9780001"},
		{SourceID: "9780002", Title: "Wizard Book", Price: nil, SourceURL: "https://shop.example.com/p/9780002"},
	}
	if _, err := db.SaveCategoryListing(ctx, "fantasy", listing); err != nil {
		t.Fatalf("first SaveCategoryListing() error = %v", err)
	}

	listing[0].Price = price(3.50)
	listing[0].Title = "Dragon Book (2nd ed.)"
	if _, err := db.SaveCategoryListing(ctx, "fantasy", listing); err != nil {
		t.Fatalf("second SaveCategoryListing() error = %v", err)
	}

	products, err := db.ListProductsByCategory(ctx, "fantasy")
	if err != nil {
		t.Fatalf("ListProductsByCategory() error = %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}
	if n, _ := db.CountProducts(ctx, "9780001"); n != 1 {
		t.Errorf("expected a single row for source id, got %d", n)
	}
	if products[0].Price == nil || *products[0].Price != 3.50 {
		t.Errorf("expected updated price, got %v", products[0].Price)
	}
	if products[0].Title != "Dragon Book (2nd ed.)" {
		t.Errorf("expected updated title, got %q", products[0].Title)
	}
	if products[1].Price != nil {
		t.Errorf("expected null price, got %v", *products[1].Price)
	}

	cat, err := db.GetCategory(ctx, "fantasy")
	if err != nil {
		t.Fatalf("GetCategory() error = %v", err)
	}
	if cat.ProductsScrapedAt == nil {
		t.Error("expected products_scraped_at to be stamped")
	}
}

func TestSaveCategoryListing_Reparent(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	p := []types.Product{{SourceID: "42", Title: "Moved", SourceURL: "https://shop.example.com/p/42"}}
	if _, err := db.SaveCategoryListing(ctx, "fantasy", p); err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}
	if _, err := db.SaveCategoryListing(ctx, "fiction", p); err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}

	view, err := db.GetProduct(ctx, "42")
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}
	if view.CategorySlug != "fiction" {
		t.Errorf("expected product re-parented to fiction, got %q", view.CategorySlug)
	}
}

func TestSaveCategoryListing_UnknownCategory(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.SaveCategoryListing(context.Background(), "ghost", []types.Product{{SourceID: "1", Title: "x", SourceURL: "u"}})
	if errors.KindOf(err) != errors.KindPersistence {
		t.Errorf("expected persistence error, got %v", err)
	}
}

func TestSaveProductDetail(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	if _, err := db.SaveCategoryListing(ctx, "fantasy", []types.Product{
		{SourceID: "100", Title: "The Hobbit", Price: price(6.99), Currency: "GBP", SourceURL: "https://shop.example.com/p/100"},
	}); err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}

	detail := &types.ProductDetail{
		Description:   "A hobbit goes on an adventure.",
		Specs:         []types.SpecEntry{{Key: "Format", Value: "Paperback"}, {Key: "Author", Value: "Tolkien"}, {Key: "ISBN", Value: "100"}},
		RatingAverage: price(4.5),
		ReviewsCount:  3,
		Related:       []types.RelatedProduct{{SourceID: "101", Title: "The Silmarillion", SourceURL: "https://shop.example.com/p/101"}},
	}
	reviews := []types.Review{
		{Author: "Ann", Rating: 5, Text: "Loved it"},
		{Author: "Bob", Rating: 0, Text: "Zero stars"},
		{Author: "Cy", Rating: 6, Text: "Six stars"},
	}

	summary, err := db.SaveProductDetail(ctx, &types.Product{SourceID: "100"}, detail, reviews)
	if err != nil {
		t.Fatalf("SaveProductDetail() error = %v", err)
	}
	if summary.ReviewsInserted != 1 || summary.ReviewsRejected != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}

	view, err := db.GetProduct(ctx, "100")
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}
	if view.CategorySlug != "fantasy" {
		t.Errorf("detail scrape must keep category, got %q", view.CategorySlug)
	}
	if view.Title != "The Hobbit" {
		t.Errorf("detail scrape without title must keep title, got %q", view.Title)
	}
	if view.Detail == nil {
		t.Fatal("expected detail")
	}
	if len(view.Detail.Specs) != 3 || view.Detail.Specs[0].Key != "Format" || view.Detail.Specs[2].Key != "ISBN" {
		t.Errorf("spec order not preserved: %+v", view.Detail.Specs)
	}
	if len(view.Detail.Related) != 1 {
		t.Errorf("expected 1 related product, got %d", len(view.Detail.Related))
	}
	if len(view.Reviews) != 1 || view.Reviews[0].Rating != 5 {
		t.Errorf("only the valid review must be stored, got %+v", view.Reviews)
	}
	if view.DetailScrapedAt == nil {
		t.Error("expected detail_scraped_at")
	}

	// Same page again: one detail row, no duplicate reviews, description diff recorded.
	detail.Description = "A hobbit goes on an unexpected adventure."
	summary, err = db.SaveProductDetail(ctx, &types.Product{SourceID: "100"}, detail, reviews[:1])
	if err != nil {
		t.Fatalf("second SaveProductDetail() error = %v", err)
	}
	if summary.ReviewsInserted != 0 {
		t.Errorf("duplicate review inserted: %+v", summary)
	}
	var details int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM product_details WHERE product_source_id = '100'`).Scan(&details); err != nil {
		t.Fatal(err)
	}
	if details != 1 {
		t.Errorf("expected one detail row, got %d", details)
	}
	view, err = db.GetProduct(ctx, "100")
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}
	if !strings.HasPrefix(view.Detail.DescriptionChanges, "+1 -1 lines") {
		t.Errorf("expected description change summary, got %q", view.Detail.DescriptionChanges)
	}
}

func TestInsertReview_RatingBounds(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	if _, err := db.SaveProductDetail(ctx, &types.Product{SourceID: "7", Title: "Seven", SourceURL: "https://shop.example.com/p/7"}, nil, nil); err != nil {
		t.Fatalf("SaveProductDetail() error = %v", err)
	}

	for _, rating := range []int{0, 6, -1} {
		_, err := db.InsertReview(ctx, types.Review{ProductSourceID: "7", Author: "Eve", Rating: rating, Text: "x"})
		if errors.KindOf(err) != errors.KindValidation {
			t.Errorf("rating %d: expected validation error, got %v", rating, err)
		}
	}
	for _, rating := range []int{1, 5} {
		inserted, err := db.InsertReview(ctx, types.Review{ProductSourceID: "7", Author: "Eve", Rating: rating, Text: "ok"})
		if err != nil || !inserted {
			t.Errorf("rating %d: expected insert, got %v (inserted=%v)", rating, err, inserted)
		}
	}

	reviews, err := db.ListReviews(ctx, "7")
	if err != nil {
		t.Fatalf("ListReviews() error = %v", err)
	}
	if len(reviews) != 2 {
		t.Errorf("expected 2 stored reviews, got %d", len(reviews))
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.GetProduct(context.Background(), "nope"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTargetFreshness(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at, err := db.TargetFreshness(ctx, types.NavigationTarget())
	if err != nil || at != nil {
		t.Fatalf("expected no freshness before scraping, got %v, %v", at, err)
	}

	seedNavigation(t, db)
	at, err = db.TargetFreshness(ctx, types.NavigationTarget())
	if err != nil || at == nil {
		t.Fatalf("expected navigation freshness, got %v, %v", at, err)
	}
	if time.Since(*at) > time.Minute {
		t.Errorf("freshness too old: %v", at)
	}

	at, err = db.TargetFreshness(ctx, types.CategoryTarget("fantasy"))
	if err != nil || at != nil {
		t.Errorf("category never listed should have no freshness, got %v, %v", at, err)
	}
}

func TestListStaleCategories(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	past := time.Now().UTC().Add(-48 * time.Hour)
	db.now = func() time.Time { return past }
	if _, err := db.SaveCategoryListing(ctx, "fantasy", nil); err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}
	db.now = func() time.Time { return time.Now().UTC() }
	if _, err := db.SaveCategoryListing(ctx, "fiction", nil); err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}

	stale, err := db.ListStaleCategories(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListStaleCategories() error = %v", err)
	}
	if len(stale) != 1 || stale[0] != "fantasy" {
		t.Errorf("expected only fantasy to be stale, got %v", stale)
	}
}

func TestResolveURL(t *testing.T) {
	db := setupTestDB(t)
	seedNavigation(t, db)
	ctx := context.Background()

	u, err := db.ResolveURL(ctx, types.CategoryTarget("fantasy"))
	if err != nil || u != "https://shop.example.com/c/fantasy" {
		t.Errorf("ResolveURL() = %q, %v", u, err)
	}
	if _, err := db.ResolveURL(ctx, types.ProductTarget("unknown")); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRecords_Dispatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := &types.Records{
		Navigation: []types.NavigationItem{{Slug: "games", Title: "Games", SourceURL: "https://shop.example.com/games"}},
		Categories: []types.Category{{Slug: "board-games", Title: "Board Games", ParentSlug: "games", SourceURL: "https://shop.example.com/c/board-games"}},
		Pages:      1,
	}
	summary, err := db.SaveRecords(ctx, types.NavigationTarget(), rec)
	if err != nil {
		t.Fatalf("SaveRecords() error = %v", err)
	}
	if summary.NavigationItems != 1 || summary.Categories != 1 || summary.Pages != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	rec = &types.Records{Product: &types.Product{Title: "Chess", SourceURL: "https://shop.example.com/p/chess-1"}}
	if _, err := db.SaveRecords(ctx, types.ProductTarget("chess-1"), rec); err != nil {
		t.Fatalf("SaveRecords(product) error = %v", err)
	}
	view, err := db.GetProduct(ctx, "chess-1")
	if err != nil {
		t.Fatalf("GetProduct() error = %v", err)
	}
	if view.Title != "Chess" || view.CategorySlug != "" {
		t.Errorf("unexpected product %+v", view.Product)
	}
}

func TestDescriptionChanges(t *testing.T) {
	if got := DescriptionChanges("same", "same"); got != "" {
		t.Errorf("expected no changes, got %q", got)
	}
	got := DescriptionChanges("line one\nline two\n", "line one\nline 2\nline three\n")
	if !strings.HasPrefix(got, "+2 -1 lines") {
		t.Errorf("unexpected summary %q", got)
	}
}
