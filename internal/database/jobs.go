package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

const jobColumns = `id, target_type, target_id, status, attempts, max_attempts, last_error, error_kind,
	result, available_at, created_at, started_at, finished_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*types.ScrapeJob, error) {
	var (
		job        types.ScrapeJob
		targetType string
		status     string
		lastError  sql.NullString
		errorKind  sql.NullString
		result     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &targetType, &job.Target.ID, &status, &job.Attempts, &job.MaxAttempts,
		&lastError, &errorKind, &result, &job.AvailableAt, &job.CreatedAt, &startedAt, &finishedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Target.Type = types.TargetType(targetType)
	job.Status = types.JobStatus(status)
	job.LastError = lastError.String
	job.ErrorKind = errorKind.String
	job.Result = result.String
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// CreateJob inserts a waiting job for target unless a waiting or active
// job already exists, in which case that job is returned with created=false.
func (db *DB) CreateJob(ctx context.Context, target types.Target, maxAttempts int) (*types.ScrapeJob, bool, error) {
	var (
		job     *types.ScrapeJob
		created bool
	)
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM scrape_jobs
			WHERE target_type = ? AND target_id = ? AND status IN ('waiting', 'active')
		`, string(target.Type), target.ID))
		if err == nil {
			job = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to look up open job: %w", err)
		}

		job = &types.ScrapeJob{
			ID:          uuid.NewString(),
			Target:      types.Target{Type: target.Type, ID: target.ID},
			Status:      types.JobWaiting,
			MaxAttempts: maxAttempts,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scrape_jobs (id, target_type, target_id, status, attempts, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, job.ID, string(target.Type), target.ID, string(types.JobWaiting), maxAttempts, now, now, now)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with another writer; the winner's job is the open one.
			existing, lookupErr := db.OpenJobForTarget(ctx, target)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	return job, created, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// ClaimNextJob moves the oldest waiting job whose available_at has passed
// to active, counting the attempt. It returns nil when nothing is ready.
func (db *DB) ClaimNextJob(ctx context.Context) (*types.ScrapeJob, error) {
	var job *types.ScrapeJob
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM scrape_jobs
			WHERE status = 'waiting' AND available_at <= ?
			ORDER BY created_at, rowid
			LIMIT 1
		`, now).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE scrape_jobs
			SET status = 'active', attempts = attempts + 1, started_at = ?, finished_at = NULL, updated_at = ?
			WHERE id = ?
		`, now, now, id); err != nil {
			return fmt.Errorf("failed to claim job %s: %w", id, err)
		}

		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob marks an active job completed with its result payload.
func (db *DB) CompleteJob(ctx context.Context, id, result string) error {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'completed', result = ?, last_error = NULL, error_kind = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, nullString(result), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return expectOneJob(res, id)
}

// FailJob marks an active job failed for good.
func (db *DB) FailJob(ctx context.Context, id, lastError, errorKind string) error {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'failed', last_error = ?, error_kind = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, lastError, nullString(errorKind), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return expectOneJob(res, id)
}

// RetryJob returns an active job to waiting, visible again at availableAt.
func (db *DB) RetryJob(ctx context.Context, id, lastError, errorKind string, availableAt time.Time) error {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'waiting', last_error = ?, error_kind = ?, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, lastError, nullString(errorKind), availableAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}
	return expectOneJob(res, id)
}

// ReleaseJob returns an active job to waiting without counting the
// attempt it was on. It is for attempts cut short by shutdown.
func (db *DB) ReleaseJob(ctx context.Context, id, reason string) error {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE scrape_jobs
		SET status = 'waiting', attempts = MAX(attempts - 1, 0), last_error = ?, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", id, err)
	}
	return expectOneJob(res, id)
}

func expectOneJob(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not active: %w", id, errors.ErrJobNotFound)
	}
	return nil
}

// GetJob returns a job by id or errors.ErrJobNotFound.
func (db *DB) GetJob(ctx context.Context, id string) (*types.ScrapeJob, error) {
	job, err := scanJob(db.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", id, err)
	}
	return job, nil
}

// OpenJobForTarget returns the waiting or active job of target, or
// errors.ErrJobNotFound.
func (db *DB) OpenJobForTarget(ctx context.Context, target types.Target) (*types.ScrapeJob, error) {
	job, err := scanJob(db.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE target_type = ? AND target_id = ? AND status IN ('waiting', 'active')
	`, string(target.Type), target.ID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open job for %s: %w", target, err)
	}
	return job, nil
}

// LatestJobForTarget prefers the open job and otherwise returns the most
// recently created one.
func (db *DB) LatestJobForTarget(ctx context.Context, target types.Target) (*types.ScrapeJob, error) {
	job, err := scanJob(db.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE target_type = ? AND target_id = ?
		ORDER BY CASE WHEN status IN ('waiting', 'active') THEN 0 ELSE 1 END, created_at DESC, rowid DESC
		LIMIT 1
	`, string(target.Type), target.ID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs for %s: %w", target, err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Type   types.TargetType
	Target string
	Status types.JobStatus
	Limit  int
}

// ListJobs returns jobs newest first.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]*types.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND target_type = ?`
		args = append(args, string(f.Type))
	}
	if f.Target != "" {
		query += ` AND target_id = ?`
		args = append(args, f.Target)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*types.ScrapeJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoveredJobs reports what RequeueStaleJobs did with each stale job.
type RecoveredJobs struct {
	Requeued []string
	// Failed jobs were already on their final attempt when they were
	// interrupted.
	Failed []string
}

// Total is the number of jobs taken out of the active state.
func (r *RecoveredJobs) Total() int {
	return len(r.Requeued) + len(r.Failed)
}

// RequeueStaleJobs resets active jobs started before cutoff back to
// waiting. The attempt they were on stays counted, so a job with no
// attempts left is failed instead.
func (db *DB) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (*RecoveredJobs, error) {
	recovered := &RecoveredJobs{}
	now := db.now()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, attempts, max_attempts FROM scrape_jobs
			WHERE status = 'active' AND (started_at IS NULL OR started_at < ?)
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to find stale jobs: %w", err)
		}
		for rows.Next() {
			var (
				id                    string
				attempts, maxAttempts int
			)
			if err := rows.Scan(&id, &attempts, &maxAttempts); err != nil {
				rows.Close()
				return err
			}
			if attempts >= maxAttempts {
				recovered.Failed = append(recovered.Failed, id)
			} else {
				recovered.Requeued = append(recovered.Requeued, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range recovered.Requeued {
			if _, err := tx.ExecContext(ctx, `
				UPDATE scrape_jobs
				SET status = 'waiting', available_at = ?, last_error = 'recovered after interruption', updated_at = ?
				WHERE id = ?
			`, now, now, id); err != nil {
				return fmt.Errorf("failed to requeue job %s: %w", id, err)
			}
		}
		for _, id := range recovered.Failed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE scrape_jobs
				SET status = 'failed', last_error = 'interrupted on its final attempt', error_kind = NULL, finished_at = ?, updated_at = ?
				WHERE id = ?
			`, now, now, id); err != nil {
				return fmt.Errorf("failed to fail job %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n := recovered.Total(); n > 0 {
		db.logger.Warn("Recovered %d stale active jobs (%d requeued, %d failed)", n, len(recovered.Requeued), len(recovered.Failed))
	}
	return recovered, nil
}

// CountJobsByStatus returns the number of jobs per status.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM scrape_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		string(types.JobWaiting):   0,
		string(types.JobActive):    0,
		string(types.JobCompleted): 0,
		string(types.JobFailed):    0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
