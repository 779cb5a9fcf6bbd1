package computepool

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// GroupGoSafe runs fn as a supervised member of group. A panic in fn is
// printed to stderr with its stack and fn is started again after a growing
// backoff; siblings keep running. A returned error keeps errgroup semantics
// and ends supervision, as does ctx cancellation.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group.Go(func() error {
		backoff := restartBackoff
		for restarts := 1; ; restarts++ {
			if ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovered(ctx, fn)
			if recovered == nil {
				return err
			}
			// the logger may be what panicked
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked (restart %d): %v\n%s\n", name, restarts, recovered, debug.Stack())

			if !sleepCtx(ctx, backoff+jitter(backoff/2)) {
				return nil
			}
			backoff = min(backoff*2, maxRestartBackoff)
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}

// sleepCtx waits d and reports false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
