package computepool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func TestGroupGoSafeRestartsAfterPanic(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	var calls atomic.Int32
	GroupGoSafe(ctx, group, "flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestGroupGoSafePropagatesError(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	want := errors.New("stop")
	GroupGoSafe(ctx, group, "failing", func(context.Context) error { return want })
	if err := group.Wait(); !errors.Is(err, want) {
		t.Fatalf("Wait = %v, want %v", err, want)
	}
}

func TestGroupGoSafeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	GroupGoSafe(gctx, group, "panicky", func(context.Context) error { panic("always") })
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not stop after cancel")
	}
}
