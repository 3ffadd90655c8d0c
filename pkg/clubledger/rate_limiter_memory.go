package clubledger

import (
	"context"
	"sync"
	"time"
)

// MemoryAdmissionLimiter implements AdmissionLimiter with per-user
// sliding windows kept purely in memory. State is lost on process
// restart; that reset is part of the design, not a defect.
type MemoryAdmissionLimiter struct {
	mu      sync.Mutex
	limits  map[RequestClass]LimitConfig
	windows map[string]*userWindow
	metrics Metrics
	now     func() time.Time
}

type userWindow struct {
	timestamps   []time.Time
	blockedUntil time.Time
}

// MemoryLimiterOption configures a MemoryAdmissionLimiter.
type MemoryLimiterOption func(*MemoryAdmissionLimiter)

// WithLimiterMetrics records denials through the given Metrics.
func WithLimiterMetrics(m Metrics) MemoryLimiterOption {
	return func(l *MemoryAdmissionLimiter) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithLimiterClock overrides the clock, for tests.
func WithLimiterClock(now func() time.Time) MemoryLimiterOption {
	return func(l *MemoryAdmissionLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMemoryAdmissionLimiter creates a limiter with the given per-class
// budgets; nil falls back to DefaultLimits.
func NewMemoryAdmissionLimiter(limits map[RequestClass]LimitConfig, opts ...MemoryLimiterOption) *MemoryAdmissionLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &MemoryAdmissionLimiter{
		limits:  limits,
		windows: make(map[string]*userWindow),
		metrics: &NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements AdmissionLimiter. Exceeding the budget blocks the
// user for the class cooldown.
func (l *MemoryAdmissionLimiter) Allow(_ context.Context, userID string, class RequestClass) (bool, *LimitInfo, error) {
	cfg, ok := l.limits[class]
	if !ok || cfg.Rate <= 0 {
		// Unconfigured class carries no budget.
		return true, &LimitInfo{Remaining: -1}, nil
	}
	now := l.now()
	key := userID + ":" + string(class)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &userWindow{}
		l.windows[key] = w
	}

	if now.Before(w.blockedUntil) {
		l.metrics.RecordRateLimitDenial(string(class))
		return false, &LimitInfo{Remaining: 0, RetryAt: w.blockedUntil, Limit: cfg.Rate}, nil
	}

	cutoff := now.Add(-cfg.Window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= cfg.Rate {
		w.blockedUntil = now.Add(cfg.Cooldown)
		l.metrics.RecordRateLimitDenial(string(class))
		return false, &LimitInfo{Remaining: 0, RetryAt: w.blockedUntil, Limit: cfg.Rate}, nil
	}

	w.timestamps = append(w.timestamps, now)
	info := &LimitInfo{
		Remaining: cfg.Rate - len(w.timestamps),
		RetryAt:   w.timestamps[0].Add(cfg.Window),
		Limit:     cfg.Rate,
	}
	return true, info, nil
}
