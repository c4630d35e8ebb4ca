// Package ratelimit throttles login attempts with fixed windows kept in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ascendore/ascendore-crm/internal/config"
)

// Counts the attempt and starts the window on the first one.
// Returns {attempts, ttl_ms}.
var attemptScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return { current, ttl }
`)

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// LoginLimiter limits login attempts per client IP and email
type LoginLimiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
}

// NewLoginLimiter creates a limiter. A nil client disables limiting.
func NewLoginLimiter(rdb *redis.Client, cfg config.RateLimitConfig) *LoginLimiter {
	return &LoginLimiter{rdb: rdb, cfg: cfg}
}

// Enabled reports whether attempts are counted
func (l *LoginLimiter) Enabled() bool {
	return l != nil && l.rdb != nil && l.cfg.Enabled
}

// Allow counts an attempt. When Redis is unavailable the attempt is allowed
// and the error is returned for logging.
func (l *LoginLimiter) Allow(ctx context.Context, ip, email string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	res, err := attemptScript.Run(ctx, l.rdb, []string{l.key(ip, email)}, l.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("count login attempt: %w", err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true, Remaining: -1}, errors.New("unexpected rate limit script result")
	}

	return decide(res[0], res[1], l.cfg), nil
}

// Reset clears the counter after a successful login
func (l *LoginLimiter) Reset(ctx context.Context, ip, email string) error {
	if !l.Enabled() {
		return nil
	}
	return l.rdb.Del(ctx, l.key(ip, email)).Err()
}

func (l *LoginLimiter) key(ip, email string) string {
	return Key(l.cfg.Prefix, ip, email)
}

// Key builds the Redis key for an IP and email pair
func Key(prefix, ip, email string) string {
	if prefix == "" {
		prefix = "login"
	}
	if ip == "" {
		ip = "unknown"
	}
	return strings.Join([]string{prefix, ip, strings.ToLower(strings.TrimSpace(email))}, ":")
}

func decide(attempts, ttlMillis int64, cfg config.RateLimitConfig) Decision {
	max := int64(cfg.MaxAttempts)
	if attempts <= max {
		return Decision{Allowed: true, Remaining: int(max - attempts)}
	}
	retry := time.Duration(ttlMillis) * time.Millisecond
	if retry <= 0 {
		retry = cfg.Window
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
}
