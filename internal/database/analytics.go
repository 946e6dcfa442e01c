package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// AnalyticsSummary captures high-level job metrics.
type AnalyticsSummary struct {
	TotalJobs       int            `json:"total_jobs"`
	CompletedJobs   int            `json:"completed_jobs"`
	FailedJobs      int            `json:"failed_jobs"`
	OpenJobs        int            `json:"open_jobs"`
	SuccessRate     float64        `json:"success_rate"`
	AverageAttempts float64        `json:"average_attempts"`
	RetriedJobs     int            `json:"retried_jobs"`
	FailuresByKind  map[string]int `json:"failures_by_kind"`
	NavigationItems int            `json:"navigation_items"`
	Categories      int            `json:"categories"`
	Products        int            `json:"products"`
	ProductDetails  int            `json:"product_details"`
	Reviews         int            `json:"reviews"`
}

// TimeSeriesDataPoint represents aggregated job outcomes per day.
type TimeSeriesDataPoint struct {
	Date        string  `json:"date"`
	JobsCount   int     `json:"jobs_count"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// TargetTypeStats contains aggregated job metrics per target type.
type TargetTypeStats struct {
	TargetType  string  `json:"target_type"`
	JobsCount   int     `json:"jobs_count"`
	SuccessRate float64 `json:"success_rate"`
	AvgAttempts float64 `json:"avg_attempts"`
}

// GetAnalyticsSummary returns high-level metrics computed from scrape_jobs
// and the catalog tables.
func (db *DB) GetAnalyticsSummary(ctx context.Context) (*AnalyticsSummary, error) {
	query := `
		WITH stats AS (
			SELECT
				COUNT(*) AS total_jobs,
				SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed_jobs,
				SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed_jobs,
				SUM(CASE WHEN status IN ('waiting', 'active') THEN 1 ELSE 0 END) AS open_jobs,
				AVG(CASE WHEN status IN ('completed', 'failed') THEN attempts END) AS average_attempts,
				SUM(CASE WHEN attempts > 1 THEN 1 ELSE 0 END) AS retried_jobs
			FROM scrape_jobs
		)
		SELECT
			COALESCE(total_jobs, 0),
			COALESCE(completed_jobs, 0),
			COALESCE(failed_jobs, 0),
			COALESCE(open_jobs, 0),
			COALESCE(average_attempts, 0),
			COALESCE(retried_jobs, 0),
			(SELECT COUNT(*) FROM navigation_items),
			(SELECT COUNT(*) FROM categories),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM product_details),
			(SELECT COUNT(*) FROM reviews)
		FROM stats;
	`

	summary := AnalyticsSummary{FailuresByKind: map[string]int{}}
	if err := db.conn.QueryRowContext(ctx, query).Scan(
		&summary.TotalJobs,
		&summary.CompletedJobs,
		&summary.FailedJobs,
		&summary.OpenJobs,
		&summary.AverageAttempts,
		&summary.RetriedJobs,
		&summary.NavigationItems,
		&summary.Categories,
		&summary.Products,
		&summary.ProductDetails,
		&summary.Reviews,
	); err != nil {
		return nil, fmt.Errorf("failed to compute job summary: %w", err)
	}

	finished := summary.CompletedJobs + summary.FailedJobs
	if finished > 0 {
		summary.SuccessRate = float64(summary.CompletedJobs) / float64(finished) * 100
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(error_kind, 'unknown'), COUNT(*)
		FROM scrape_jobs
		WHERE status = 'failed'
		GROUP BY error_kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		summary.FailuresByKind[kind] = n
	}

	return &summary, rows.Err()
}

// GetTimeSeriesData returns daily finished-job counts for the last N days
// (UTC).
func (db *DB) GetTimeSeriesData(ctx context.Context, days int) ([]TimeSeriesDataPoint, error) {
	query := `
		WITH RECURSIVE dates(date) AS (
			SELECT DATE('now')
			UNION ALL
			SELECT DATE(date, '-1 day')
			FROM dates
			LIMIT ?
		),
		daily AS (
			SELECT
				DATE(finished_at) AS date,
				COUNT(*) AS total,
				SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
				SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed
			FROM scrape_jobs
			WHERE finished_at IS NOT NULL
			  AND DATE(finished_at) >= DATE('now', '-' || ? || ' days')
			GROUP BY DATE(finished_at)
		)
		SELECT
			d.date,
			COALESCE(a.total, 0),
			COALESCE(a.completed, 0),
			COALESCE(a.failed, 0)
		FROM dates d
		LEFT JOIN daily a ON d.date = a.date
		ORDER BY d.date ASC;
	`

	rows, err := db.conn.QueryContext(ctx, query, days, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query job time series: %w", err)
	}
	defer rows.Close()

	var results []TimeSeriesDataPoint
	for rows.Next() {
		var point TimeSeriesDataPoint
		if err := rows.Scan(&point.Date, &point.JobsCount, &point.Completed, &point.Failed); err != nil {
			return nil, err
		}
		if point.JobsCount > 0 {
			point.SuccessRate = float64(point.Completed) / float64(point.JobsCount) * 100
		}
		results = append(results, point)
	}

	return results, rows.Err()
}

// GetTargetTypeStats returns job counts and success rates per target type.
func (db *DB) GetTargetTypeStats(ctx context.Context) ([]TargetTypeStats, error) {
	query := `
		SELECT
			target_type,
			COUNT(*) AS jobs_count,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) * 100.0 /
				MAX(SUM(CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END), 1) AS success_rate,
			AVG(attempts) AS avg_attempts
		FROM scrape_jobs
		GROUP BY target_type
		ORDER BY jobs_count DESC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query target type stats: %w", err)
	}
	defer rows.Close()

	var results []TargetTypeStats
	for rows.Next() {
		var (
			stats       TargetTypeStats
			avgAttempts sql.NullFloat64
		)
		if err := rows.Scan(&stats.TargetType, &stats.JobsCount, &stats.SuccessRate, &avgAttempts); err != nil {
			return nil, err
		}
		if avgAttempts.Valid {
			stats.AvgAttempts = avgAttempts.Float64
		}
		results = append(results, stats)
	}

	return results, rows.Err()
}

// GetRecentFailures returns the most recently failed jobs.
func (db *DB) GetRecentFailures(ctx context.Context, limit int) ([]*types.JobView, error) {
	jobs, err := db.ListJobs(ctx, JobFilter{Status: types.JobFailed, Limit: limit})
	if err != nil {
		return nil, err
	}
	views := make([]*types.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views, nil
}
