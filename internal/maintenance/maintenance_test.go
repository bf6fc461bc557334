package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLimiter struct{ evicted atomic.Int64 }

func (f *fakeLimiter) Evict() int {
	f.evicted.Add(1)
	return 0
}

type fakeRegistry struct{ purged atomic.Int64 }

func (f *fakeRegistry) Purge(olderThan time.Duration) int {
	f.purged.Add(1)
	return 0
}

type fakeStore struct {
	refreshed atomic.Int64
	purged    atomic.Int64
}

func (f *fakeStore) RefreshDashboardStats(ctx context.Context) error {
	f.refreshed.Add(1)
	return nil
}

func (f *fakeStore) PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.purged.Add(1)
	return 0, nil
}

func TestRunner_StopEndsAllLoops(t *testing.T) {
	lim := &fakeLimiter{}
	reg := &fakeRegistry{}
	st := &fakeStore{}
	r := New(lim, reg, st, nil)
	r.Start()
	r.Stop()
	// Stop must return promptly even though every ticker interval is
	// minutes to hours away — it should not block waiting for a tick.
}
