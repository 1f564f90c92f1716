// Package ratelimit implements the per-session token-bucket admission
// control of spec.md §4.1 (C1): refill, violation bookkeeping, auto-ban,
// and the risk-score heuristic fed by batch ingestion.
//
// The bucket/violation/ban map shape and the background eviction
// goroutine are grounded on the teacher's internal/agent.RateLimiter
// sliding-window limiter, generalized to the token-bucket algorithm the
// spec requires; the LRU-free per-key map with its own mutex mirrors the
// other_examples token-bucket limiter (jordanhubbard/tokenhub).
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reason is why an admission was denied.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonBanned    Reason = "banned"
	ReasonRateLimit Reason = "rate_limit"
)

// Decision is the result of an admit() call, §4.1.
type Decision struct {
	Allowed         bool
	Reason          Reason
	RetryAfterMs    int64
	TokensRemaining int
}

// ViolationStats is the auto-throttle signal a caller queries after
// admission, §4.1.
type ViolationStats struct {
	Count           int
	EventsPerSecond float64
	ShouldThrottle  bool
}

// Config holds the tunable limiter parameters, defaults per §4.1.
type Config struct {
	Capacity           int
	RefillRate         int // tokens per RefillInterval
	RefillInterval     time.Duration
	MaxEventsPerSecond float64
	AutoThrottle       bool
	ThrottleLatencyMs  int
	BanThreshold       int
	BanDuration        time.Duration
	InactivityEviction time.Duration
}

// DefaultConfig returns the defaults listed in spec.md §4.1.
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

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type violation struct {
	count            int
	firstViolationAt time.Time
	lastViolationAt  time.Time
}

type ban struct {
	bannedAt time.Time
	duration time.Duration
}

func (b ban) active(now time.Time) bool {
	return now.Sub(b.bannedAt) < b.duration
}

// Metrics are the Prometheus instruments served on /metrics (GET
// /admin/stats uses Snapshot instead), pulled into the domain stack from the holomush example
// repo's prometheus/client_golang usage.
type Metrics struct {
	Admitted prometheus.Counter
	Denied   prometheus.Counter
	Banned   prometheus.Counter
	Buckets  prometheus.Gauge
}

// NewMetrics registers the limiter's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admitted: prometheus.NewCounter(prometheus.CounterOpts{Name: "trafficctl_ratelimit_admitted_total", Help: "Admission checks that were allowed."}),
		Denied:   prometheus.NewCounter(prometheus.CounterOpts{Name: "trafficctl_ratelimit_denied_total", Help: "Admission checks denied by rate limiting."}),
		Banned:   prometheus.NewCounter(prometheus.CounterOpts{Name: "trafficctl_ratelimit_banned_total", Help: "Admission checks denied because the key is banned."}),
		Buckets:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "trafficctl_ratelimit_buckets", Help: "Number of tracked rate-limit buckets."}),
	}
	if reg != nil {
		reg.MustRegister(m.Admitted, m.Denied, m.Banned, m.Buckets)
	}
	return m
}

// Limiter is the per-key token-bucket rate limiter, §4.1 (C1). All
// operations are non-blocking and never fail (§4.1 "Failure mode").
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	buckets    map[string]*bucket
	violations map[string]*violation
	bans       map[string]*ban
	metrics    *Metrics
	stop       chan struct{}
}

// New creates a Limiter with cfg and starts its background eviction
// goroutine (idle buckets/violations and expired bans, §4.7(c)).
func New(cfg Config, metrics *Metrics) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		buckets:    make(map[string]*bucket),
		violations: make(map[string]*violation),
		bans:       make(map[string]*ban),
		metrics:    metrics,
		stop:       make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Stop terminates the background eviction goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Evict()
		case <-l.stop:
			return
		}
	}
}

// Evict removes idle buckets/violations (idle age > InactivityEviction)
// and expired bans, §4.7(c). The limiter's internal 5-minute ticker
// (evictLoop) calls it; it is exported so it can also be called directly.
func (l *Limiter) Evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.cfg.InactivityEviction {
			delete(l.buckets, key)
		}
	}
	for key, v := range l.violations {
		if now.Sub(v.lastViolationAt) > l.cfg.InactivityEviction {
			delete(l.violations, key)
		}
	}
	for key, b := range l.bans {
		if !b.active(now) {
			delete(l.bans, key)
		}
	}
	if l.metrics != nil {
		l.metrics.Buckets.Set(float64(len(l.buckets)))
	}
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	intervals := math.Floor(elapsed.Seconds() / l.cfg.RefillInterval.Seconds())
	if intervals <= 0 {
		return
	}
	b.tokens = math.Min(float64(l.cfg.Capacity), b.tokens+intervals*float64(l.cfg.RefillRate))
	b.lastRefill = now
}

// Admit checks whether key may proceed, per the algorithm in §4.1.
func (l *Limiter) Admit(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	if b, ok := l.bans[key]; ok && b.active(now) {
		remaining := b.duration - now.Sub(b.bannedAt)
		if l.metrics != nil {
			l.metrics.Banned.Inc()
		}
		return Decision{Allowed: false, Reason: ReasonBanned, RetryAfterMs: remaining.Milliseconds()}
	}

	bkt, ok := l.buckets[key]
	if !ok {
		bkt = &bucket{tokens: float64(l.cfg.Capacity), lastRefill: now}
		l.buckets[key] = bkt
	} else {
		l.refill(bkt, now)
	}

	if bkt.tokens >= float64(cost) {
		bkt.tokens -= float64(cost)
		if l.metrics != nil {
			l.metrics.Admitted.Inc()
		}
		return Decision{Allowed: true, TokensRemaining: int(bkt.tokens)}
	}

	l.recordViolation(key, now)
	retryAfter := time.Duration(math.Ceil(float64(cost)/float64(l.cfg.RefillRate))) * l.cfg.RefillInterval
	if l.metrics != nil {
		l.metrics.Denied.Inc()
	}
	return Decision{Allowed: false, Reason: ReasonRateLimit, RetryAfterMs: retryAfter.Milliseconds()}
}

// recordViolation updates violation bookkeeping and bans the key once
// count reaches BanThreshold. Must be called with l.mu held.
func (l *Limiter) recordViolation(key string, now time.Time) {
	v, ok := l.violations[key]
	if !ok {
		v = &violation{firstViolationAt: now}
		l.violations[key] = v
	}
	v.count++
	v.lastViolationAt = now

	if v.count >= l.cfg.BanThreshold {
		if _, banned := l.bans[key]; !banned {
			slog.Warn("rate limiter auto-ban triggered", "key", key, "violations", v.count)
		}
		l.bans[key] = &ban{bannedAt: now, duration: l.cfg.BanDuration}
	}
}

// ViolationStats returns the auto-throttle signal for key, §4.1.
func (l *Limiter) ViolationStats(key string) ViolationStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.violations[key]
	if !ok {
		return ViolationStats{}
	}
	elapsed := time.Since(v.firstViolationAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	eps := float64(v.count) / elapsed
	return ViolationStats{
		Count:           v.count,
		EventsPerSecond: eps,
		ShouldThrottle:  eps > l.cfg.MaxEventsPerSecond,
	}
}

// RiskScore computes the §4.1 risk heuristic from a key's violation
// history: base contributions from events-per-second and raw violation
// count, clamped to [0,100]. isBot is true when score exceeds 80.
func (l *Limiter) RiskScore(key string) (score int, isBot bool) {
	stats := l.ViolationStats(key)

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

	if base < 0 {
		base = 0
	}
	if base > 100 {
		base = 100
	}
	return base, base > 80
}

// Unban removes any ban and violation history for key. Expired bans are
// purged by Evict, not by Unban.
func (l *Limiter) Unban(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bans, key)
	delete(l.violations, key)
}

// AutoThrottleEnabled reports whether the limiter is configured to signal
// auto-throttle at all, §4.1.
func (l *Limiter) AutoThrottleEnabled() bool {
	return l.cfg.AutoThrottle
}

// ThrottleLatencyMs is the latency an auto-throttle SET_LATENCY command
// carries, §4.1.
func (l *Limiter) ThrottleLatencyMs() int {
	return l.cfg.ThrottleLatencyMs
}

// IsBanned reports whether key is currently banned, without consuming a
// token, for read-only admin/status views.
func (l *Limiter) IsBanned(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bans[key]
	return ok && b.active(time.Now())
}

// Stats summarizes limiter internals for GET /admin/stats, §6.3.
type Stats struct {
	TrackedBuckets    int
	TrackedViolations int
	ActiveBans        int
}

// Snapshot returns current limiter sizing for admin/status reporting.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	activeBans := 0
	for _, b := range l.bans {
		if b.active(now) {
			activeBans++
		}
	}
	return Stats{
		TrackedBuckets:    len(l.buckets),
		TrackedViolations: len(l.violations),
		ActiveBans:        activeBans,
	}
}
