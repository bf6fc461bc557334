// Package limiter implements per-session token-bucket admission control,
// violation tracking, auto-ban, and risk scoring, using a mutex-guarded
// map of buckets keyed by session hash.
package limiter

import (
	"math"
	"sync"
	"time"
)

// Config holds the limiter's tunable parameters.
type Config struct {
	Capacity             int
	RefillRate           int // tokens per RefillInterval
	RefillInterval       time.Duration
	MaxEventsPerSecond   float64
	AutoThrottle         bool
	ThrottleLatencyMs    int
	BanThreshold         int
	BanDuration          time.Duration
	InactivityEviction   time.Duration
}

// DefaultConfig returns sane defaults for a new limiter.
func DefaultConfig() Config {
	return Config{
		Capacity:           20,
		RefillRate:         5,
		RefillInterval:     time.Second,
		MaxEventsPerSecond: 5,
		AutoThrottle:       true,
		ThrottleLatencyMs:  2000,
		BanThreshold:       50,
		BanDuration:        300 * time.Second,
		InactivityEviction: time.Hour,
	}
}

// bucket is the per-key token-bucket + violation + ban state.
type bucket struct {
	tokens      float64
	lastRefill  time.Time
	lastSeen    time.Time

	violationCount  int
	firstViolation  time.Time
	lastViolation   time.Time

	bannedAt time.Time
	banned   bool
}

// Decision is the result of an admit() call.
type Decision struct {
	Allowed         bool
	Reason          string // "banned" | "rate_limit" | ""
	RetryAfterMs    int64
	TokensRemaining float64
}

// ViolationStats is the result of a violationStats() query.
type ViolationStats struct {
	Count          int
	EventsPerSecond float64
	ShouldThrottle bool
}

// BanMirror is an optional durable backing store for ban records, so a
// ban survives a process restart.
type BanMirror interface {
	SetBan(key string, until time.Time) error
	GetBan(key string) (time.Time, bool, error)
}

// Limiter is safe for concurrent use. All operations are non-blocking and
// never return an error to the caller.
type Limiter struct {
	cfg Config
	mu  sync.Mutex
	m   map[string]*bucket
	mir BanMirror
}

func New(cfg Config, mirror BanMirror) *Limiter {
	return &Limiter{cfg: cfg, m: make(map[string]*bucket), mir: mirror}
}

// Config returns the limiter's (immutable, post-construction) configuration,
// so callers such as the connection handler can read autoThrottle/
// throttleLatencyMs without duplicating those knobs.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) getOrCreate(key string, now time.Time) *bucket {
	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Capacity), lastRefill: now, lastSeen: now}
		l.m[key] = b
	}
	return b
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	if now.Before(b.lastRefill) {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	intervals := math.Floor(float64(elapsed) / float64(l.cfg.RefillInterval))
	if intervals <= 0 {
		return
	}
	b.tokens = math.Min(float64(l.cfg.Capacity), b.tokens+intervals*float64(l.cfg.RefillRate))
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
}

// Admit checks whether cost tokens can be taken from key's bucket.
func (l *Limiter) Admit(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	_, existed := l.m[key]
	b := l.getOrCreate(key, now)
	b.lastSeen = now

	if b.banned {
		remaining := l.cfg.BanDuration - now.Sub(b.bannedAt)
		if remaining > 0 {
			return Decision{Allowed: false, Reason: "banned", RetryAfterMs: remaining.Milliseconds()}
		}
		b.banned = false
		clearViolations(b)
	} else if l.mir != nil && !existed {
		// No local state (never seen here, or evicted), but a mirrored ban
		// may still be live.
		if until, ok, _ := l.mir.GetBan(key); ok && now.Before(until) {
			b.banned = true
			b.bannedAt = until.Add(-l.cfg.BanDuration)
			return Decision{Allowed: false, Reason: "banned", RetryAfterMs: until.Sub(now).Milliseconds()}
		}
	}

	l.refill(b, now)

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return Decision{Allowed: true, TokensRemaining: b.tokens}
	}

	l.recordViolation(b, key, now)
	retryAfter := time.Duration(math.Ceil(float64(cost)/float64(l.cfg.RefillRate))) * l.cfg.RefillInterval
	return Decision{Allowed: false, Reason: "rate_limit", RetryAfterMs: retryAfter.Milliseconds()}
}

// recordViolation implements the violation bookkeeping and ban escalation.
// Caller holds l.mu.
func (l *Limiter) recordViolation(b *bucket, key string, now time.Time) {
	if b.violationCount == 0 {
		b.firstViolation = now
	}
	b.violationCount++
	b.lastViolation = now

	if b.violationCount >= l.cfg.BanThreshold {
		b.banned = true
		b.bannedAt = now
		if l.mir != nil {
			_ = l.mir.SetBan(key, now.Add(l.cfg.BanDuration))
		}
	}
}

// clearViolations resets a bucket's violation record. Caller holds l.mu.
func clearViolations(b *bucket) {
	b.violationCount = 0
	b.firstViolation = time.Time{}
	b.lastViolation = time.Time{}
}

// ViolationStats reports key's current violation count and rate.
func (l *Limiter) ViolationStats(key string) ViolationStats {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[key]
	if !ok || b.violationCount == 0 {
		return ViolationStats{}
	}

	elapsed := now.Sub(b.firstViolation).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	eps := float64(b.violationCount) / elapsed

	return ViolationStats{
		Count:           b.violationCount,
		EventsPerSecond: eps,
		ShouldThrottle:  eps > l.cfg.MaxEventsPerSecond,
	}
}

// RiskScore derives a bot-risk score purely from violation stats and does
// not mutate limiter state.
func RiskScore(stats ViolationStats) (score int, isBot bool) {
	base := 0
	switch {
	case stats.EventsPerSecond > 10:
		base += 40
	case stats.EventsPerSecond > 5:
		base += 20
	}
	switch {
	case stats.Count > 30:
		base += 30
	case stats.Count > 10:
		base += 15
	}
	score = base
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, score > 80
}

// Evict removes buckets idle longer than InactivityEviction and clears
// expired bans.
func (l *Limiter) Evict() (evicted int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.m {
		if b.banned && now.Sub(b.bannedAt) >= l.cfg.BanDuration {
			b.banned = false
			clearViolations(b)
		}
		if now.Sub(b.lastSeen) > l.cfg.InactivityEviction {
			delete(l.m, key)
			evicted++
		}
	}
	return evicted
}

// Stats reports aggregate limiter state for the admin /admin/stats route.
func (l *Limiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	banned := 0
	for _, b := range l.m {
		if b.banned {
			banned++
		}
	}
	return map[string]int{
		"tracked_keys": len(l.m),
		"banned_keys":  banned,
	}
}
