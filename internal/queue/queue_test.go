package queue

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

type testLogger struct{}

func (l *testLogger) Info(format string, v ...interface{})  {}
func (l *testLogger) Debug(format string, v ...interface{}) {}
func (l *testLogger) Warn(format string, v ...interface{})  {}
func (l *testLogger) Error(format string, v ...interface{}) {}

func setupQueue(t *testing.T, maxAttempts int) (*Queue, *database.DB) {
	t.Helper()
	db, err := database.Initialize(filepath.Join(t.TempDir(), "queue_test.db"), &testLogger{})
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q := New(db, Options{
		MaxAttempts:  maxAttempts,
		PollInterval: 10 * time.Millisecond,
		Backoff:      Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		Logger:       &testLogger{},
		Metrics:      metrics.NewPrometheusMetrics(),
	})
	return q, db
}

func dequeue(t *testing.T, q *Queue) *types.ScrapeJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	return job
}

func TestEnqueue_DedupWhileOpen(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()
	target := types.CategoryTarget("fantasy-fiction-books")

	first, err := q.Enqueue(ctx, target)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !first.Created {
		t.Fatal("first enqueue should create a job")
	}

	second, err := q.Enqueue(ctx, target)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if second.Created || second.JobID != first.JobID {
		t.Errorf("waiting job should be reused: %+v vs %+v", second, first)
	}

	job := dequeue(t, q)
	if job.ID != first.JobID {
		t.Fatalf("dequeued %s, want %s", job.ID, first.JobID)
	}

	third, err := q.Enqueue(ctx, target)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if third.Created || third.JobID != first.JobID || third.Status != types.JobActive {
		t.Errorf("active job should be reused: %+v", third)
	}

	if err := q.MarkCompleted(ctx, job.ID, map[string]int{"products": 2}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	fourth, err := q.Enqueue(ctx, target)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !fourth.Created || fourth.JobID == first.JobID {
		t.Errorf("terminal job must not block a new one: %+v", fourth)
	}
}

func TestEnqueue_Concurrent(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()
	target := types.ProductTarget("9780261103344")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Enqueue(ctx, target)
			if err != nil {
				t.Errorf("Enqueue() error = %v", err)
				return
			}
			mu.Lock()
			ids[res.JobID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Errorf("expected one job id across concurrent enqueues, got %v", ids)
	}
}

func TestEnqueue_InvalidTarget(t *testing.T) {
	q, _ := setupQueue(t, 3)
	_, err := q.Enqueue(context.Background(), types.Target{Type: "basket", ID: "x"})
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = q.Enqueue(context.Background(), types.Target{Type: types.TargetCategory, ID: " "})
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("expected validation error for blank id, got %v", err)
	}
}

func TestDequeue_FIFO(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()

	var want []string
	for _, slug := range []string{"a", "b", "c"} {
		res, err := q.Enqueue(ctx, types.CategoryTarget(slug))
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		want = append(want, res.JobID)
	}
	for i, id := range want {
		job := dequeue(t, q)
		if job.ID != id {
			t.Errorf("dequeue %d: got %s, want %s", i, job.ID, id)
		}
		if job.Status != types.JobActive || job.Attempts != 1 || job.StartedAt == nil {
			t.Errorf("claimed job not marked active: %+v", job)
		}
	}
}

func TestDequeue_RespectsContext(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMarkFailed_RetryExhaustion(t *testing.T) {
	const maxAttempts = 3
	q, _ := setupQueue(t, maxAttempts)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, types.CategoryTarget("flaky"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	netErr := errors.NewScraperError("category:flaky", "navigate", stderrors.New("connection reset"))
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job := dequeue(t, q)
		if job.ID != res.JobID {
			t.Fatalf("retry must keep the job id, got %s", job.ID)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempt %d recorded as %d", attempt, job.Attempts)
		}

		outcome, err := q.MarkFailed(ctx, job.ID, netErr, true)
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		wantStatus := types.JobWaiting
		if attempt == maxAttempts {
			wantStatus = types.JobFailed
		}
		if outcome.Status != wantStatus {
			t.Fatalf("attempt %d: status %s, want %s", attempt, outcome.Status, wantStatus)
		}
	}

	view, err := q.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if view.Status != types.JobFailed || view.Attempts != maxAttempts {
		t.Errorf("unexpected final view %+v", view)
	}
	if view.ErrorKind != string(errors.KindNetwork) || view.LastError == "" {
		t.Errorf("last error not retained: %+v", view)
	}
}

func TestMarkFailed_NonRetryable(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, types.ProductTarget("p1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job := dequeue(t, q)

	outcome, err := q.MarkFailed(ctx, job.ID, errors.NewValidationError("product:p1", "bad", nil), false)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if outcome.Status != types.JobFailed || outcome.Attempt != 1 {
		t.Errorf("non-retryable failure must be terminal on first attempt: %+v", outcome)
	}
}

func TestStatus(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()
	target := types.NavigationTarget()

	if _, err := q.Status(ctx, target); !stderrors.Is(err, errors.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	res, err := q.Enqueue(ctx, target)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	view, err := q.Status(ctx, target)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if view.ID != res.JobID || view.Status != types.JobWaiting || view.Type != types.TargetNavigation {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestRecover(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, types.CategoryTarget("interrupted"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	dequeue(t, q)

	// A fresh active job is left alone.
	n, err := q.Recover(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("Recover(1h) = %d, %v", n, err)
	}

	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err = q.Recover(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v, want 1", n, err)
	}

	job := dequeue(t, q)
	if job.ID != res.JobID || job.Attempts != 2 {
		t.Errorf("recovered job should be claimable again: %+v", job)
	}
}

func TestRecover_FinalAttemptFails(t *testing.T) {
	q, db := setupQueue(t, 1)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, types.ProductTarget("last-chance"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	dequeue(t, q)

	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err := q.Recover(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v, want 1", n, err)
	}

	job, err := db.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != types.JobFailed || job.Attempts != job.MaxAttempts || job.FinishedAt == nil {
		t.Errorf("job without attempts left should fail at recovery: %+v", job)
	}
}

func TestRelease(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, types.CategoryTarget("shutdown"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		job := dequeue(t, q)
		if job.Attempts != 1 {
			t.Fatalf("release %d: attempt = %d, want 1", i, job.Attempts)
		}
		if err := q.Release(ctx, job.ID, context.Canceled); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	view, err := q.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if view.Status != types.JobWaiting || view.Attempts != 0 {
		t.Errorf("released job should wait with no attempts used: %+v", view)
	}

	if err := q.Release(ctx, res.JobID, nil); !stderrors.Is(err, errors.ErrJobNotFound) {
		t.Errorf("Release() of a waiting job = %v, want ErrJobNotFound", err)
	}
}

func TestAwait(t *testing.T) {
	q, _ := setupQueue(t, 3)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, types.ProductTarget("await-me"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := make(chan *types.JobView, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		view, err := q.Await(waitCtx, res.JobID)
		if err != nil {
			t.Errorf("Await() error = %v", err)
		}
		done <- view
	}()

	job := dequeue(t, q)
	if err := q.MarkCompleted(ctx, job.ID, nil); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	select {
	case view := <-done:
		if view == nil || view.Status != types.JobCompleted {
			t.Errorf("unexpected view %+v", view)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Await did not return")
	}

	// Already terminal: returns immediately.
	view, err := q.Await(ctx, res.JobID)
	if err != nil || view.Status != types.JobCompleted {
		t.Errorf("Await on finished job = %+v, %v", view, err)
	}
}

func TestAwait_Timeout(t *testing.T) {
	q, _ := setupQueue(t, 3)
	res, err := q.Enqueue(context.Background(), types.ProductTarget("slow"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	view, err := q.Await(ctx, res.JobID)
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if view == nil || view.Status != types.JobWaiting {
		t.Errorf("expected current waiting view, got %+v", view)
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: time.Minute, Factor: 2}
	tests := map[int]time.Duration{
		0:  2 * time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		6:  time.Minute,
		20: time.Minute,
	}
	for attempt, want := range tests {
		if got := b.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}
