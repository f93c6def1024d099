package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tekscripts/bypassgate/internal/redis"
)

// activityLua performs one gate step atomically. All times are unix millis.
//
// Keys: KEYS[1] = activity key.
// Args: ARGV[1] = now, ARGV[2] = threshold, ARGV[3] = window, ARGV[4] = block.
// Returns {blocked (0|1), remaining_ms, block_started (0|1)}.
const activityLua = `
local key       = KEYS[1]
local now       = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window    = tonumber(ARGV[3])
local block     = tonumber(ARGV[4])

local vals = redis.call('hmget', key, 'count', 'last', 'blocked_until')
local count         = tonumber(vals[1]) or 0
local last          = tonumber(vals[2]) or 0
local blocked_until = tonumber(vals[3]) or 0

if blocked_until > now then
  return {1, blocked_until - now, 0}
end
blocked_until = 0

if last == 0 or now - last >= window then
  count = 1
else
  count = count + 1
end

local started = 0
if count > threshold then
  blocked_until = now + block
  count = 0
  started = 1
end

redis.call('hset', key, 'count', count, 'last', now, 'blocked_until', blocked_until)

local ttl = window
if blocked_until - now > ttl then
  ttl = blocked_until - now
end
redis.call('pexpire', key, ttl + 60000)

return {0, 0, started}
`

var activityScript = goredis.NewScript(activityLua)

// RedisStore keeps records in Redis hashes so every instance shares one view
// of each client.
type RedisStore struct {
	client redis.Client
	logger *slog.Logger
	prefix string
	hash   string
}

// NewRedisStore creates a Redis-backed store. Keys are "<prefix>:activity:<id>".
func NewRedisStore(client redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		prefix: prefix + ":activity:",
		hash:   activityScript.Hash(),
	}
}

// Get reads the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}

	var rec Record
	if rec.RequestCount, err = parseField(vals, "count"); err != nil {
		return Record{}, false, err
	}
	last, err := parseField(vals, "last")
	if err != nil {
		return Record{}, false, err
	}
	blocked, err := parseField(vals, "blocked_until")
	if err != nil {
		return Record{}, false, err
	}
	rec.LastRequest = fromMillis(last)
	rec.BlockedUntil = fromMillis(blocked)
	return rec, true, nil
}

// Put writes rec. It is not atomic with a preceding Get; the gate uses
// Apply for Redis.
func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	full := s.prefix + key
	err := s.client.HSet(ctx, full,
		"count", rec.RequestCount,
		"last", toMillis(rec.LastRequest),
		"blocked_until", toMillis(rec.BlockedUntil),
	).Err()
	if err != nil {
		return err
	}
	ttl := time.Until(rec.BlockedUntil)
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return s.client.PExpire(ctx, full, ttl).Err()
}

// Apply runs one gate step inside Redis.
func (s *RedisStore) Apply(ctx context.Context, key string, now time.Time, p Policy) (Decision, error) {
	keys := []string{s.prefix + key}
	args := []any{now.UnixMilli(), p.Threshold, p.Window.Milliseconds(), p.Block.Milliseconds()}

	cmd := s.client.EvalSha(ctx, s.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		s.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = s.client.Eval(ctx, activityLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return Decision{}, err
	}

	arr, err := cmd.Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 3 {
		return Decision{}, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}
	vals := make([]int64, len(arr))
	for i, v := range arr {
		if vals[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("parsing script result %d: %w", i, err)
		}
	}

	if vals[0] == 1 {
		return blockedFor(time.Duration(vals[1]) * time.Millisecond), nil
	}
	return Decision{BlockStarted: vals[2] == 1}, nil
}

// Ping checks Redis connectivity for deep readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseField(vals map[string]string, name string) (int64, error) {
	v, ok := vals[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return n, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
