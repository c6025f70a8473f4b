// Package ratelimit throttles job submission per client using a token bucket
// kept in Redis, so every API replica shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a distributed token bucket.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, used by tests to drive refill.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix namespaces bucket keys.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New constructs a limiter holding capacity tokens that refill at
// refillPerSecond.
func New(client *redis.Client, capacity int, refillPerSecond float64, opts ...Option) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	l := &Limiter{
		client:   client,
		prefix:   "lyricqueue:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token from key's bucket when one is available.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	// Idle buckets expire once they would have refilled completely.
	ttl := time.Duration(float64(l.capacity)/l.refill*float64(time.Second)) + time.Second
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.capacity, l.refill, l.now().UnixMilli(), ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// The script returns {allowed, whole tokens left, ms until next token}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
redis.call('PEXPIRE', key, ttl)
return {allowed, math.floor(tokens), wait}
`)
