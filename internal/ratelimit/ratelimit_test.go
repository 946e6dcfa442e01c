package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocal_SpacesRequests(t *testing.T) {
	gate := NewLocal(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := gate.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// first is immediate, the next two wait one interval each
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three waits took %v, expected at least ~100ms", elapsed)
	}
}

func TestLocal_ZeroInterval(t *testing.T) {
	gate := NewLocal(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := gate.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
}

func TestLocal_Cancelled(t *testing.T) {
	gate := NewLocal(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := gate.Wait(ctx); err == nil {
		t.Error("expected error when the next slot is beyond the deadline")
	}
}

func newRedisGate(t *testing.T, interval time.Duration) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRateLimiter(rdb, "catalog-mirror:gate:test", interval), mr
}

func TestRedis_FirstWaitAcquires(t *testing.T) {
	gate, mr := newRedisGate(t, time.Second)
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !mr.Exists("catalog-mirror:gate:test") {
		t.Error("expected gate key to be set")
	}
}

func TestRedis_BlocksUntilExpiry(t *testing.T) {
	gate, mr := newRedisGate(t, time.Second)
	ctx := context.Background()

	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- gate.Wait(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("second Wait returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// miniredis only expires keys when time is advanced explicitly
	mr.FastForward(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Wait did not acquire after expiry")
	}
}

func TestRedis_Cancelled(t *testing.T) {
	gate, _ := newRedisGate(t, time.Hour)
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
