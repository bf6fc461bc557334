// Package maintenance implements the periodic background tasks that keep
// the rate limiter, session registry, and durable store from growing
// without bound, driving their Evict()/Purge() methods off independent
// tickers.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	dashboardRefreshInterval = 60 * time.Second
	sessionPurgeInterval     = 24 * time.Hour
	limiterEvictInterval     = 10 * time.Minute

	sessionRetention = 7 * 24 * time.Hour
)

// Limiter is the subset of *limiter.Limiter this package drives.
type Limiter interface {
	Evict() int
}

// Registry is the subset of *registry.Registry this package drives.
type Registry interface {
	Purge(olderThan time.Duration) int
}

// Store is the subset of store.SessionStore this package drives.
type Store interface {
	RefreshDashboardStats(ctx context.Context) error
	PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner owns three independent background tickers: limiter eviction,
// registry purge, and dashboard stats refresh. Each task is idempotent and
// safe to run concurrently with live traffic.
type Runner struct {
	lim Limiter
	reg Registry
	st  Store
	log *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(lim Limiter, reg Registry, st Store, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{lim: lim, reg: reg, st: st, log: log, stopCh: make(chan struct{})}
}

// Start launches the three maintenance loops. Call Stop to end them.
func (r *Runner) Start() {
	r.wg.Add(3)
	go r.runDashboardRefresh()
	go r.runSessionPurge()
	go r.runLimiterEvict()
}

func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) runDashboardRefresh() {
	defer r.wg.Done()
	ticker := time.NewTicker(dashboardRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.st.RefreshDashboardStats(ctx); err != nil {
				r.log.Warn("dashboard stats refresh failed", "error", err)
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runSessionPurge() {
	defer r.wg.Done()
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reg.Purge(sessionRetention)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := r.st.PurgeDisconnectedOlderThan(ctx, time.Now().Add(-sessionRetention))
			cancel()
			if err != nil {
				r.log.Warn("durable session purge failed", "error", err)
			} else if n > 0 {
				r.log.Info("purged stale disconnected sessions", "count", n)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runLimiterEvict() {
	defer r.wg.Done()
	ticker := time.NewTicker(limiterEvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.lim.Evict(); n > 0 {
				r.log.Debug("evicted idle rate limiter buckets", "count", n)
			}
		case <-r.stopCh:
			return
		}
	}
}
