package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SaveSummary reports what one SaveRecords call wrote.
type SaveSummary struct {
	NavigationItems int      `json:"navigation_items,omitempty"`
	Categories      int      `json:"categories,omitempty"`
	Products        int      `json:"products,omitempty"`
	Details         int      `json:"details,omitempty"`
	Related         int      `json:"related,omitempty"`
	ReviewsInserted int      `json:"reviews_inserted,omitempty"`
	ReviewsRejected int      `json:"reviews_rejected,omitempty"`
	Rejections      []string `json:"rejections,omitempty"`
	Pages           int      `json:"pages,omitempty"`
}

// SaveRecords persists everything a scraper extracted for target in a
// single transaction.
func (db *DB) SaveRecords(ctx context.Context, target types.Target, rec *types.Records) (*SaveSummary, error) {
	if rec == nil {
		return nil, errors.NewPersistenceError(target.String(), "no records to save", nil)
	}

	var (
		summary *SaveSummary
		err     error
	)
	switch target.Type {
	case types.TargetNavigation:
		summary, err = db.SaveNavigation(ctx, rec.Navigation, rec.Categories)
	case types.TargetCategory:
		summary, err = db.SaveCategoryListing(ctx, target.ID, rec.Products)
	case types.TargetProduct:
		product := rec.Product
		if product == nil {
			product = &types.Product{SourceID: target.ID, SourceURL: target.URL}
		}
		if product.SourceID == "" {
			product.SourceID = target.ID
		}
		summary, err = db.SaveProductDetail(ctx, product, rec.Detail, rec.Reviews)
	default:
		return nil, errors.NewPersistenceError(target.String(), "unknown target type", nil)
	}
	if err != nil {
		return nil, err
	}
	summary.Pages = rec.Pages
	return summary, nil
}

// SaveNavigation upserts navigation items and then categories, parents
// before children. Every category's parent must resolve inside the same
// transaction or nothing is committed.
func (db *DB) SaveNavigation(ctx context.Context, items []types.NavigationItem, categories []types.Category) (*SaveSummary, error) {
	summary := &SaveSummary{}
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if err := upsertNavigationItem(ctx, tx, item, now); err != nil {
				return err
			}
			summary.NavigationItems++
		}
		for _, c := range categories {
			if err := upsertCategory(ctx, tx, c, now); err != nil {
				return err
			}
			summary.Categories++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.logger.Info("Saved navigation: %d items, %d categories", summary.NavigationItems, summary.Categories)
	return summary, nil
}

// UpsertCategory inserts or updates a single category. The parent slug, if
// any, must already exist as a navigation item or category.
func (db *DB) UpsertCategory(ctx context.Context, c types.Category) error {
	now := db.now()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertCategory(ctx, tx, c, now)
	})
}

func upsertNavigationItem(ctx context.Context, tx *sql.Tx, item types.NavigationItem, now time.Time) error {
	if item.Slug == "" {
		return errors.NewPersistenceError("navigation", "navigation item without slug", nil)
	}
	scrapedAt := item.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO navigation_items (slug, title, source_url, has_children, scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			source_url = excluded.source_url,
			has_children = excluded.has_children,
			scraped_at = excluded.scraped_at,
			updated_at = excluded.updated_at
	`, item.Slug, item.Title, item.SourceURL, boolToInt(item.HasChildren), scrapedAt.UTC(), now, now)
	if err != nil {
		return errors.NewPersistenceError("navigation:"+item.Slug, "failed to upsert navigation item", err)
	}
	return nil
}

// upsertCategory resolves the parent to derive level: a category parent
// gives parent.level+1, a navigation parent or no parent gives 0.
func upsertCategory(ctx context.Context, tx *sql.Tx, c types.Category, now time.Time) error {
	target := "category:" + c.Slug
	if c.Slug == "" {
		return errors.NewPersistenceError(target, "category without slug", nil)
	}

	level := 0
	navigationSlug := c.NavigationSlug
	if c.ParentSlug != "" {
		var (
			parentLevel int
			parentNav   sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT level, navigation_slug FROM categories WHERE slug = ?`, c.ParentSlug,
		).Scan(&parentLevel, &parentNav)
		switch {
		case err == nil:
			level = parentLevel + 1
			if navigationSlug == "" && parentNav.Valid {
				navigationSlug = parentNav.String
			}
		case err == sql.ErrNoRows:
			var exists int
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM navigation_items WHERE slug = ?`, c.ParentSlug,
			).Scan(&exists)
			if err != nil {
				return errors.NewPersistenceError(target, "failed to resolve parent", err)
			}
			if exists == 0 {
				return errors.NewPersistenceError(target, fmt.Sprintf("parent %q does not exist", c.ParentSlug), nil)
			}
			if navigationSlug == "" {
				navigationSlug = c.ParentSlug
			}
		default:
			return errors.NewPersistenceError(target, "failed to resolve parent", err)
		}
	}
	if c.ParentSlug == c.Slug {
		return errors.NewPersistenceError(target, "category cannot be its own parent", nil)
	}

	scrapedAt := c.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO categories (slug, title, navigation_slug, parent_slug, level, source_url, scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			navigation_slug = excluded.navigation_slug,
			parent_slug = excluded.parent_slug,
			level = excluded.level,
			source_url = excluded.source_url,
			scraped_at = excluded.scraped_at,
			updated_at = excluded.updated_at
	`, c.Slug, c.Title, nullString(navigationSlug), nullString(c.ParentSlug), level, c.SourceURL, scrapedAt.UTC(), now, now)
	if err != nil {
		return errors.NewPersistenceError(target, "failed to upsert category", err)
	}
	return nil
}

// SaveCategoryListing upserts the products of one category listing by
// source_id and stamps the category's products_scraped_at.
func (db *DB) SaveCategoryListing(ctx context.Context, categorySlug string, products []types.Product) (*SaveSummary, error) {
	summary := &SaveSummary{}
	target := "category:" + categorySlug
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE categories SET products_scraped_at = ?, updated_at = ? WHERE slug = ?`,
			now, now, categorySlug)
		if err != nil {
			return errors.NewPersistenceError(target, "failed to stamp category", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewPersistenceError(target, "category does not exist", nil)
		}

		for _, p := range products {
			p.CategorySlug = categorySlug
			if err := upsertProduct(ctx, tx, p, now); err != nil {
				return err
			}
			summary.Products++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.logger.Info("Saved %d products for category %s", summary.Products, categorySlug)
	return summary, nil
}

// upsertProduct keys on source_id. An empty category keeps the stored one
// so a detail scrape never detaches a product from its listing.
func upsertProduct(ctx context.Context, tx *sql.Tx, p types.Product, now time.Time) error {
	target := "product:" + p.SourceID
	if p.SourceID == "" {
		return errors.NewPersistenceError(target, "product without source_id", nil)
	}
	price := p.Price
	if price != nil && *price <= 0 {
		price = nil
	}
	scrapedAt := p.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (source_id, title, price, currency, source_url, category_slug, scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE products.title END,
			price = COALESCE(excluded.price, products.price),
			currency = COALESCE(excluded.currency, products.currency),
			source_url = CASE WHEN excluded.source_url != '' THEN excluded.source_url ELSE products.source_url END,
			category_slug = COALESCE(excluded.category_slug, products.category_slug),
			scraped_at = excluded.scraped_at,
			updated_at = excluded.updated_at
	`, p.SourceID, p.Title, nullFloat(price), nullString(p.Currency), p.SourceURL, nullString(p.CategorySlug), scrapedAt.UTC(), now, now)
	if err != nil {
		return errors.NewPersistenceError(target, "failed to upsert product", err)
	}
	return nil
}

// SaveProductDetail upserts the product row, its single detail row, the
// related list and the valid reviews. Invalid reviews are counted as
// rejections and never written; the rest of the page still commits.
func (db *DB) SaveProductDetail(ctx context.Context, product *types.Product, detail *types.ProductDetail, reviews []types.Review) (*SaveSummary, error) {
	summary := &SaveSummary{}
	target := "product:" + product.SourceID
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertProduct(ctx, tx, *product, now); err != nil {
			return err
		}

		if detail != nil {
			detail.ProductSourceID = product.SourceID
			if err := upsertDetail(ctx, tx, detail, now); err != nil {
				return err
			}
			summary.Details = 1

			if _, err := tx.ExecContext(ctx, `DELETE FROM product_related WHERE product_source_id = ?`, product.SourceID); err != nil {
				return errors.NewPersistenceError(target, "failed to clear related products", err)
			}
			for i, rel := range detail.Related {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO product_related (product_source_id, position, related_source_id, title, source_url)
					VALUES (?, ?, ?, ?, ?)
				`, product.SourceID, i, rel.SourceID, rel.Title, rel.SourceURL); err != nil {
					return errors.NewPersistenceError(target, "failed to insert related product", err)
				}
				summary.Related++
			}
		}

		for _, r := range reviews {
			r.ProductSourceID = product.SourceID
			inserted, err := insertReview(ctx, tx, r, now)
			if err != nil {
				if errors.KindOf(err) == errors.KindValidation {
					summary.ReviewsRejected++
					summary.Rejections = append(summary.Rejections, err.Error())
					continue
				}
				return err
			}
			if inserted {
				summary.ReviewsInserted++
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET detail_scraped_at = ?, updated_at = ? WHERE source_id = ?`,
			now, now, product.SourceID); err != nil {
			return errors.NewPersistenceError(target, "failed to stamp product", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if summary.ReviewsRejected > 0 {
		db.logger.Warn("Rejected %d reviews for product %s", summary.ReviewsRejected, product.SourceID)
	}
	db.logger.Info("Saved product detail %s (%d reviews, %d related)", product.SourceID, summary.ReviewsInserted, summary.Related)
	return summary, nil
}

// upsertDetail writes the 1:1 detail row and records a line diff when the
// description changed since the previous scrape.
func upsertDetail(ctx context.Context, tx *sql.Tx, d *types.ProductDetail, now time.Time) error {
	target := "product:" + d.ProductSourceID

	var previous sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT description FROM product_details WHERE product_source_id = ?`, d.ProductSourceID,
	).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return errors.NewPersistenceError(target, "failed to read previous detail", err)
	}
	changes := ""
	if previous.Valid && previous.String != d.Description {
		changes = DescriptionChanges(previous.String, d.Description)
	}
	d.DescriptionChanges = changes

	specs := d.Specs
	if specs == nil {
		specs = []types.SpecEntry{}
	}
	specsJSON, err := json.Marshal(specs)
	if err != nil {
		return errors.NewPersistenceError(target, "failed to encode specs", err)
	}

	scrapedAt := d.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_details (product_source_id, description, specs, rating_average, reviews_count, description_changes, scraped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_source_id) DO UPDATE SET
			description = excluded.description,
			specs = excluded.specs,
			rating_average = excluded.rating_average,
			reviews_count = excluded.reviews_count,
			description_changes = CASE WHEN excluded.description_changes IS NOT NULL
				THEN excluded.description_changes ELSE product_details.description_changes END,
			scraped_at = excluded.scraped_at,
			updated_at = excluded.updated_at
	`, d.ProductSourceID, d.Description, string(specsJSON), nullFloat(d.RatingAverage), d.ReviewsCount,
		nullString(changes), scrapedAt.UTC(), now, now)
	if err != nil {
		return errors.NewPersistenceError(target, "failed to upsert product detail", err)
	}
	return nil
}

// InsertReview validates and appends a single review. A review identical
// in (product, author, rating, text) to a stored one is skipped.
func (db *DB) InsertReview(ctx context.Context, r types.Review) (bool, error) {
	var inserted bool
	now := db.now()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertReview(ctx, tx, r, now)
		return err
	})
	return inserted, err
}

// ValidateReview checks a review against its field rules.
func ValidateReview(r types.Review) error {
	if err := validate.Struct(r); err != nil {
		return errors.NewValidationError("product:"+r.ProductSourceID, describeValidation(err), err)
	}
	return nil
}

func insertReview(ctx context.Context, tx *sql.Tx, r types.Review, now time.Time) (bool, error) {
	r.Author = strings.TrimSpace(r.Author)
	if err := ValidateReview(r); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO reviews (product_source_id, author, rating, text, created_at, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ProductSourceID, r.Author, r.Rating, r.Text, nullTime(r.CreatedAt), now)
	if err != nil {
		return false, errors.NewPersistenceError("product:"+r.ProductSourceID, "failed to insert review", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "min", "max":
			parts = append(parts, fmt.Sprintf("%s %v out of range (%s=%s)", strings.ToLower(fe.Field()), fe.Value(), fe.Tag(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return "invalid review: " + strings.Join(parts, ", ")
}
