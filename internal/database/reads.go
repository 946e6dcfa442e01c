package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// ProductView is a product joined with its detail, related products and
// reviews.
type ProductView struct {
	types.Product
	Detail  *types.ProductDetail `json:"detail,omitempty"`
	Reviews []types.Review       `json:"reviews"`
}

// ListNavigation returns navigation items in the order they were first seen.
func (db *DB) ListNavigation(ctx context.Context) ([]types.NavigationItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT slug, title, source_url, has_children, scraped_at
		FROM navigation_items
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query navigation: %w", err)
	}
	defer rows.Close()

	items := []types.NavigationItem{}
	for rows.Next() {
		var (
			item        types.NavigationItem
			hasChildren int
		)
		if err := rows.Scan(&item.Slug, &item.Title, &item.SourceURL, &hasChildren, &item.ScrapedAt); err != nil {
			return nil, fmt.Errorf("failed to scan navigation item: %w", err)
		}
		item.HasChildren = hasChildren != 0
		items = append(items, item)
	}
	return items, rows.Err()
}

const categoryColumns = `slug, title, navigation_slug, parent_slug, level, source_url, products_scraped_at, scraped_at`

func scanCategory(row interface{ Scan(...any) error }) (types.Category, error) {
	var (
		c               types.Category
		navSlug         sql.NullString
		parentSlug      sql.NullString
		productsScraped sql.NullTime
	)
	err := row.Scan(&c.Slug, &c.Title, &navSlug, &parentSlug, &c.Level, &c.SourceURL, &productsScraped, &c.ScrapedAt)
	if err != nil {
		return c, err
	}
	c.NavigationSlug = navSlug.String
	c.ParentSlug = parentSlug.String
	c.ProductsScrapedAt = timePtr(productsScraped)
	return c, nil
}

// ListCategories returns all categories, or only those under the given
// navigation item when navigationSlug is set.
func (db *DB) ListCategories(ctx context.Context, navigationSlug string) ([]types.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories`
	var args []any
	if navigationSlug != "" {
		query += ` WHERE navigation_slug = ?`
		args = append(args, navigationSlug)
	}
	query += ` ORDER BY level, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	categories := []types.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetCategory returns one category by slug or errors.ErrNotFound.
func (db *DB) GetCategory(ctx context.Context, slug string) (*types.Category, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE slug = ?`, slug)
	c, err := scanCategory(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query category: %w", err)
	}
	return &c, nil
}

const productColumns = `source_id, title, price, currency, source_url, category_slug, scraped_at, detail_scraped_at`

func scanProduct(row interface{ Scan(...any) error }) (types.Product, error) {
	var (
		p            types.Product
		price        sql.NullFloat64
		currency     sql.NullString
		categorySlug sql.NullString
		detailAt     sql.NullTime
	)
	err := row.Scan(&p.SourceID, &p.Title, &price, &currency, &p.SourceURL, &categorySlug, &p.ScrapedAt, &detailAt)
	if err != nil {
		return p, err
	}
	p.Price = floatPtr(price)
	p.Currency = currency.String
	p.CategorySlug = categorySlug.String
	p.DetailScrapedAt = timePtr(detailAt)
	return p, nil
}

// ListProductsByCategory returns the products last seen in a category.
func (db *DB) ListProductsByCategory(ctx context.Context, categorySlug string) ([]types.Product, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE category_slug = ? ORDER BY id`, categorySlug)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []types.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CountProducts returns the number of stored products with source_id.
func (db *DB) CountProducts(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

// GetProduct returns a product with its detail and reviews, or
// errors.ErrNotFound.
func (db *DB) GetProduct(ctx context.Context, sourceID string) (*ProductView, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE source_id = ?`, sourceID)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	view := &ProductView{Product: p, Reviews: []types.Review{}}

	detail, err := db.getDetail(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	view.Detail = detail

	reviews, err := db.ListReviews(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	view.Reviews = reviews
	return view, nil
}

func (db *DB) getDetail(ctx context.Context, sourceID string) (*types.ProductDetail, error) {
	var (
		d         types.ProductDetail
		desc      sql.NullString
		specsJSON string
		rating    sql.NullFloat64
		changes   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT product_source_id, description, specs, rating_average, reviews_count, description_changes, scraped_at
		FROM product_details WHERE product_source_id = ?
	`, sourceID).Scan(&d.ProductSourceID, &desc, &specsJSON, &rating, &d.ReviewsCount, &changes, &d.ScrapedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product detail: %w", err)
	}
	d.Description = desc.String
	d.RatingAverage = floatPtr(rating)
	d.DescriptionChanges = changes.String
	if err := json.Unmarshal([]byte(specsJSON), &d.Specs); err != nil {
		return nil, fmt.Errorf("failed to decode specs: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT related_source_id, title, source_url
		FROM product_related WHERE product_source_id = ?
		ORDER BY position
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query related products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rel       types.RelatedProduct
			title     sql.NullString
			sourceURL sql.NullString
		)
		if err := rows.Scan(&rel.SourceID, &title, &sourceURL); err != nil {
			return nil, fmt.Errorf("failed to scan related product: %w", err)
		}
		rel.Title = title.String
		rel.SourceURL = sourceURL.String
		d.Related = append(d.Related, rel)
	}
	return &d, rows.Err()
}

// ListReviews returns the stored reviews of a product, newest first.
func (db *DB) ListReviews(ctx context.Context, sourceID string) ([]types.Review, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT product_source_id, author, rating, text, created_at
		FROM reviews WHERE product_source_id = ?
		ORDER BY created_at DESC, id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	reviews := []types.Review{}
	for rows.Next() {
		var (
			r         types.Review
			createdAt sql.NullTime
		)
		if err := rows.Scan(&r.ProductSourceID, &r.Author, &r.Rating, &r.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		if createdAt.Valid {
			r.CreatedAt = createdAt.Time.UTC()
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// TargetFreshness returns when the data behind target was last scraped,
// or nil when it never was.
func (db *DB) TargetFreshness(ctx context.Context, target types.Target) (*time.Time, error) {
	var (
		query string
		args  []any
	)
	switch target.Type {
	case types.TargetNavigation:
		query = `SELECT scraped_at FROM navigation_items ORDER BY scraped_at DESC LIMIT 1`
	case types.TargetCategory:
		query = `SELECT products_scraped_at FROM categories WHERE slug = ?`
		args = append(args, target.ID)
	case types.TargetProduct:
		query = `SELECT detail_scraped_at FROM products WHERE source_id = ?`
		args = append(args, target.ID)
	default:
		return nil, fmt.Errorf("unknown target type %q", target.Type)
	}

	var at sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read freshness of %s: %w", target, err)
	}
	return timePtr(at), nil
}

// ListStaleCategories returns categories whose product listing was scraped
// before cutoff. Categories never listed are not included.
func (db *DB) ListStaleCategories(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT slug FROM categories
		WHERE products_scraped_at IS NOT NULL AND products_scraped_at < ?
		ORDER BY products_scraped_at
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale categories: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan category slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// ResolveURL returns the stored source URL for a category or product
// target, or errors.ErrNotFound.
func (db *DB) ResolveURL(ctx context.Context, target types.Target) (string, error) {
	var query string
	switch target.Type {
	case types.TargetCategory:
		query = `SELECT source_url FROM categories WHERE slug = ?`
	case types.TargetProduct:
		query = `SELECT source_url FROM products WHERE source_id = ?`
	default:
		return "", errors.ErrNotFound
	}
	var u string
	err := db.conn.QueryRowContext(ctx, query, target.ID).Scan(&u)
	if err == sql.ErrNoRows || (err == nil && u == "") {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve url of %s: %w", target, err)
	}
	return u, nil
}
