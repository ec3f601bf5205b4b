// Package ratelimit implements fixed window request counters keyed by scope
// and subject.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "ledgerguard:rate_limit"

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter counts one request against scope/subject and reports the running
// count with the seconds left in the window.
type Limiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfter int, err error)
}

type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = defaultPrefix
	}
	return &Redis{client: client, prefix: strings.TrimSuffix(p, ":")}
}

func (r *Redis) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || skip(scope, subject, limit, window) {
		return 0, 0, nil
	}
	windowMs := windowMillis(window)
	key := fmt.Sprintf("%s:%s:%s", r.prefix, strings.TrimSpace(scope), strings.TrimSpace(subject))
	raw, err := windowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseResult(raw, windowMs)
}

func parseResult(raw any, windowMs int64) (int, int, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return int(count), retryAfter(ttlMs), nil
}

func skip(scope, subject string, limit int, window time.Duration) bool {
	return limit <= 0 || window <= 0 || strings.TrimSpace(scope) == "" || strings.TrimSpace(subject) == ""
}

func windowMillis(window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	return ms
}

func retryAfter(ttlMs int64) int {
	secs := int(math.Ceil(float64(ttlMs) / 1000.0))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Local keeps counters in process memory. It is used when no Redis is
// configured, so limits apply per instance only.
type Local struct {
	mu      sync.Mutex
	windows map[string]localWindow
	now     func() time.Time
}

type localWindow struct {
	count   int
	expires time.Time
}

func NewLocal() *Local {
	return &Local{windows: make(map[string]localWindow), now: time.Now}
}

func (l *Local) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if skip(scope, subject, limit, window) {
		return 0, 0, nil
	}
	windowMs := windowMillis(window)
	key := strings.TrimSpace(scope) + ":" + strings.TrimSpace(subject)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = localWindow{expires: now.Add(time.Duration(windowMs) * time.Millisecond)}
	}
	w.count++
	l.windows[key] = w
	return w.count, retryAfter(w.expires.Sub(now).Milliseconds()), nil
}
