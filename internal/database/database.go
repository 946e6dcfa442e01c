package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Logger interface for database logging
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// DB wraps the SQLite database connection. It is the persistence gateway
// for the catalog and the durable store behind the job queue.
type DB struct {
	conn   *sql.DB
	logger Logger
	now    func() time.Time
}

// Initialize creates a new database connection and runs migrations
func Initialize(dbPath string, log Logger) (*DB, error) {
	// Writers take the lock at BEGIN so busy_timeout applies to them.
	dsn := dbPath + "?_busy_timeout=10000&_foreign_keys=on&_txlock=immediate"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(time.Hour)

	// Enable WAL mode for better concurrent write performance
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn:   conn,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}

	// Run schema migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.logger.Info("Database initialized successfully at %s", dbPath)
	return db, nil
}

// migrate creates the catalog and job tables and backfills columns added
// after a table was first created.
func (db *DB) migrate() error {
	if _, err := db.conn.Exec(catalogSchema); err != nil {
		return fmt.Errorf("failed to create catalog schema: %w", err)
	}
	if _, err := db.conn.Exec(jobsSchema); err != nil {
		return fmt.Errorf("failed to create scrape_jobs schema: %w", err)
	}

	additive := []struct {
		table, column, ddl string
	}{
		{"categories", "products_scraped_at", `ALTER TABLE categories ADD COLUMN products_scraped_at TIMESTAMP`},
		{"products", "currency", `ALTER TABLE products ADD COLUMN currency TEXT`},
		{"products", "detail_scraped_at", `ALTER TABLE products ADD COLUMN detail_scraped_at TIMESTAMP`},
		{"product_details", "description_changes", `ALTER TABLE product_details ADD COLUMN description_changes TEXT`},
		{"scrape_jobs", "error_kind", `ALTER TABLE scrape_jobs ADD COLUMN error_kind TEXT`},
		{"scrape_jobs", "result", `ALTER TABLE scrape_jobs ADD COLUMN result TEXT`},
	}
	for _, a := range additive {
		cols, err := db.getTableColumns(a.table)
		if err != nil {
			return err
		}
		if _, exists := cols[a.column]; exists {
			continue
		}
		if _, err := db.conn.Exec(a.ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", a.table, a.column, err)
		}
		db.logger.Info("Added column %s.%s", a.table, a.column)
	}

	return nil
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS navigation_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	source_url TEXT NOT NULL,
	has_children INTEGER NOT NULL DEFAULT 0,
	scraped_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	navigation_slug TEXT,
	parent_slug TEXT,
	level INTEGER NOT NULL DEFAULT 0,
	source_url TEXT NOT NULL,
	products_scraped_at TIMESTAMP,
	scraped_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_categories_navigation ON categories(navigation_slug);
CREATE INDEX IF NOT EXISTS idx_categories_parent ON categories(parent_slug);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	price REAL CHECK (price IS NULL OR price > 0),
	currency TEXT,
	source_url TEXT NOT NULL,
	category_slug TEXT REFERENCES categories(slug) ON UPDATE CASCADE,
	scraped_at TIMESTAMP NOT NULL,
	detail_scraped_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_slug);

CREATE TABLE IF NOT EXISTS product_details (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_source_id TEXT NOT NULL UNIQUE REFERENCES products(source_id) ON DELETE CASCADE,
	description TEXT,
	specs TEXT NOT NULL DEFAULT '[]',
	rating_average REAL,
	reviews_count INTEGER NOT NULL DEFAULT 0,
	description_changes TEXT,
	scraped_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS product_related (
	product_source_id TEXT NOT NULL REFERENCES products(source_id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	related_source_id TEXT NOT NULL,
	title TEXT,
	source_url TEXT,
	PRIMARY KEY (product_source_id, position)
);

CREATE TABLE IF NOT EXISTS reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_source_id TEXT NOT NULL REFERENCES products(source_id) ON DELETE CASCADE,
	author TEXT NOT NULL,
	rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
	text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP,
	scraped_at TIMESTAMP NOT NULL,
	UNIQUE (product_source_id, author, rating, text)
);
`

const jobsSchema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id TEXT PRIMARY KEY,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error TEXT,
	error_kind TEXT,
	result TEXT,
	available_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_open_per_target
	ON scrape_jobs(target_type, target_id) WHERE status IN ('waiting', 'active');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON scrape_jobs(status, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_target ON scrape_jobs(target_type, target_id, created_at DESC);
`

type tableColumn struct {
	Name    string
	NotNull bool
}

func (db *DB) getTableColumns(table string) (map[string]tableColumn, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]tableColumn)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info for %s: %w", table, err)
		}
		cols[name] = tableColumn{
			Name:    name,
			NotNull: notNull != 0,
		}
	}

	return cols, rows.Err()
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
