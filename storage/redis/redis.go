// Package redis provides a Redis-backed admission limiter for
// multi-instance deployments where the in-memory limiter would give
// each replica its own budget.
//
// The sliding window lives in a sorted set per user and class; a Lua
// script makes the prune-count-record sequence atomic. A separate block
// key carries the cooldown so a blocked user is denied without touching
// the window.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clubledger/clubledger/pkg/clubledger"
)

// Config holds Redis limiter configuration.
type Config struct {
	// KeyPrefix is prepended to all limiter keys (default "clubledger").
	KeyPrefix string

	// Limits are the per-class budgets; nil falls back to
	// clubledger.DefaultLimits.
	Limits map[clubledger.RequestClass]clubledger.LimitConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "clubledger",
		Limits:    clubledger.DefaultLimits(),
	}
}

// AdmissionLimiter implements clubledger.AdmissionLimiter on Redis.
type AdmissionLimiter struct {
	client  redis.UniversalClient
	config  Config
	script  *redis.Script
	metrics clubledger.Metrics
	now     func() time.Time
}

// Option configures an AdmissionLimiter.
type Option func(*AdmissionLimiter)

// WithMetrics records denials through the given Metrics.
func WithMetrics(m clubledger.Metrics) Option {
	return func(l *AdmissionLimiter) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *AdmissionLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// slidingWindow checks the block key, prunes the window, and either
// records the request or starts a cooldown. Returns
// {allowed, remaining, retryAtMillis}.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local block = KEYS[2]
	local now = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local cooldown = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])
	local member = ARGV[6]

	local blockedUntil = redis.call('GET', block)
	if blockedUntil and tonumber(blockedUntil) > now then
		return {0, 0, tonumber(blockedUntil)}
	end

	local cutoff = now - window
	redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		local retry = now + cooldown
		redis.call('SET', block, retry, 'PX', cooldown)
		return {0, 0, retry}
	end

	redis.call('ZADD', key, now, member)
	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	end

	local resetTime = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest and #oldest >= 2 then
		local oldestTime = tonumber(oldest[2])
		if oldestTime then
			resetTime = oldestTime + window
		end
	end

	return {1, limit - count - 1, resetTime}
`)

// New creates a Redis-backed admission limiter.
func New(client redis.UniversalClient, config Config) (*AdmissionLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "clubledger"
	}
	if config.Limits == nil {
		config.Limits = clubledger.DefaultLimits()
	}
	return &AdmissionLimiter{
		client:  client,
		config:  config,
		script:  slidingWindow,
		metrics: &clubledger.NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Allow implements clubledger.AdmissionLimiter.
func (l *AdmissionLimiter) Allow(ctx context.Context, userID string, class clubledger.RequestClass) (bool, *clubledger.LimitInfo, error) {
	cfg, ok := l.config.Limits[class]
	if !ok || cfg.Rate <= 0 {
		// Unconfigured class carries no budget.
		return true, &clubledger.LimitInfo{Remaining: -1}, nil
	}

	now := l.now()
	nowMillis := now.UnixMilli()
	windowKey := l.windowKey(userID, class)
	blockKey := l.blockKey(userID, class)
	ttl := cfg.Window.Milliseconds() * 2 // keep for 2x window so pruning has slack
	member := strconv.FormatInt(now.UnixNano(), 10)

	result, err := l.script.Run(
		ctx,
		l.client,
		[]string{windowKey, blockKey},
		nowMillis,
		cfg.Rate,
		cfg.Window.Milliseconds(),
		cfg.Cooldown.Milliseconds(),
		ttl,
		member,
	).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 3 {
		return false, nil, fmt.Errorf("unexpected result from rate limit script: %T", result)
	}

	allowedInt, ok := resultSlice[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("invalid allowed value")
	}
	remainingInt, ok := resultSlice[1].(int64)
	if !ok {
		return false, nil, fmt.Errorf("invalid remaining value")
	}
	retryAtInt, ok := resultSlice[2].(int64)
	if !ok {
		return false, nil, fmt.Errorf("invalid retry time value")
	}

	info := &clubledger.LimitInfo{
		Remaining: int(remainingInt),
		RetryAt:   time.UnixMilli(retryAtInt).UTC(),
		Limit:     cfg.Rate,
	}
	if allowedInt != 1 {
		l.metrics.RecordRateLimitDenial(string(class))
		return false, info, nil
	}
	return true, info, nil
}

// Ping checks the Redis connection.
func (l *AdmissionLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (l *AdmissionLimiter) Close() error {
	return l.client.Close()
}

func (l *AdmissionLimiter) windowKey(userID string, class clubledger.RequestClass) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", l.config.KeyPrefix, userID, class)
}

func (l *AdmissionLimiter) blockKey(userID string, class clubledger.RequestClass) string {
	return fmt.Sprintf("%s:ratelimit:block:%s:%s", l.config.KeyPrefix, userID, class)
}
