package ratehost

import (
	"context"
	"testing"
	"time"
)

func TestAcquireFirstCallNeverWaits(t *testing.T) {
	tbl := New(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := tbl.Acquire(ctx, "api.example.com"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatalf("first acquire should not wait, took %v", time.Since(start))
	}
}

func TestAcquireEnforcesMinDelay(t *testing.T) {
	cfg := Config{MinRequestDelay: 50 * time.Millisecond, MaxPerMinute: 30, WindowLength: 60 * time.Second}
	tbl := New(cfg)
	ctx := context.Background()

	if err := tbl.Acquire(ctx, "host.example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := tbl.Acquire(ctx, "host.example.com"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected second acquire to wait ~50ms for min delay, took %v", elapsed)
	}
}

func TestAcquireEnforcesPerMinuteCeiling(t *testing.T) {
	cfg := Config{MinRequestDelay: time.Millisecond, MaxPerMinute: 2, WindowLength: 80 * time.Millisecond}
	tbl := New(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tbl.Acquire(ctx, "capped.example.com"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := tbl.Acquire(ctx, "capped.example.com"); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected third acquire to wait for window reset, took %v", elapsed)
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	cfg := Config{MinRequestDelay: time.Hour, MaxPerMinute: 30, WindowLength: time.Hour}
	tbl := New(cfg)
	ctx := context.Background()

	if err := tbl.Acquire(ctx, "blocked.example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tbl.Acquire(cancelCtx, "blocked.example.com"); err == nil {
		t.Fatalf("expected cancellation error on blocked acquire")
	}
}

func TestSeparateHostsDoNotShareBuckets(t *testing.T) {
	cfg := Config{MinRequestDelay: time.Hour, MaxPerMinute: 30, WindowLength: time.Hour}
	tbl := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tbl.Acquire(ctx, "first.example.com"); err != nil {
		t.Fatalf("first host acquire: %v", err)
	}
	if err := tbl.Acquire(ctx, "second.example.com"); err != nil {
		t.Fatalf("second host should acquire independently: %v", err)
	}
}
