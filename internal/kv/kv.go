// Package kv is the shared Redis-backed coordination layer: slot leases,
// rate-limit counters, exec and replay event buffers, leader locks, and
// node liveness. Everything here is ephemeral; Postgres stays the source
// of truth for durable state.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb *redis.Client
}

// New connects to Redis using a redis:// URL.
func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// --- Slot leases ---

func slotKey(nodeID string, slot int) string {
	return fmt.Sprintf("slot:%s:%d", nodeID, slot)
}

// compareAndDelete removes the key only while the caller still holds it.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire refreshes the TTL only while the caller still holds
// the key.
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireSlotLease claims node slot for sandboxID. Returns false when the
// slot is already leased to someone else.
func (c *Client) AcquireSlotLease(ctx context.Context, nodeID string, slot int, sandboxID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, slotKey(nodeID, slot), sandboxID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: acquire slot lease: %w", err)
	}
	return ok, nil
}

// RenewSlotLease extends the lease if sandboxID still holds it.
func (c *Client) RenewSlotLease(ctx context.Context, nodeID string, slot int, sandboxID string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, c.rdb, []string{slotKey(nodeID, slot)}, sandboxID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: renew slot lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseSlotLease frees the slot if sandboxID still holds it. Releasing
// a lease held by another sandbox is a no-op.
func (c *Client) ReleaseSlotLease(ctx context.Context, nodeID string, slot int, sandboxID string) error {
	if err := compareAndDelete.Run(ctx, c.rdb, []string{slotKey(nodeID, slot)}, sandboxID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("kv: release slot lease: %w", err)
	}
	return nil
}

// SlotHolders returns the current lease holder per slot index; "" marks a
// free slot.
func (c *Client) SlotHolders(ctx context.Context, nodeID string, slotsTotal int) ([]string, error) {
	if slotsTotal <= 0 {
		return nil, nil
	}
	keys := make([]string, slotsTotal)
	for i := range keys {
		keys[i] = slotKey(nodeID, i)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: slot holders: %w", err)
	}
	out := make([]string, slotsTotal)
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// --- Rate limiting ---

// rateLimitScript keeps a sorted set of request timestamps per key and
// admits a request only while fewer than limit entries fall inside the
// trailing window. Denied requests do not consume capacity. Returns
// {allowed, count, reset-ms} where reset-ms is how long until the oldest
// entry ages out.
var rateLimitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
	redis.call("ZADD", KEYS[1], now, ARGV[4])
	redis.call("PEXPIRE", KEYS[1], window)
	return {1, count + 1, 0}
end
redis.call("PEXPIRE", KEYS[1], window)
local reset = window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
	reset = tonumber(oldest[2]) + window - now
end
return {0, count, reset}
`)

// RateLimitResult reports the outcome of one rate-limit check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// CheckRateLimit counts one request against the sliding window for key.
// The key already encodes the identity and category (for example
// "ratelimit:org_123:exec").
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := time.Now()
	vals, err := rateLimitScript.Run(ctx, c.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("kv: rate limit: %w", err)
	}
	allowed, count, resetMs := vals[0] == 1, vals[1], vals[2]

	res := RateLimitResult{
		Allowed: allowed,
		Limit:   limit,
		ResetAt: now.Add(window),
	}
	if remaining := int64(limit) - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !allowed {
		if resetMs <= 0 {
			resetMs = window.Milliseconds()
		}
		res.RetryAfter = time.Duration(resetMs) * time.Millisecond
		res.ResetAt = now.Add(res.RetryAfter)
	}
	return res, nil
}

// --- Event buffers ---

func execEventsKey(execID string) string { return "exec:" + execID + ":events" }

func replayEventsKey(sandboxID string) string { return "replay:" + sandboxID + ":events" }

func (c *Client) appendEvents(ctx context.Context, key string, cap int, ttl time.Duration, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]interface{}, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	if cap > 0 {
		pipe.LTrim(ctx, key, int64(-cap), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: append events: %w", err)
	}
	return nil
}

func (c *Client) listEvents(ctx context.Context, key string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: list events: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// AppendExecEvents appends serialized output events to an exec's buffer,
// trimming to cap so a runaway command cannot exhaust Redis.
func (c *Client) AppendExecEvents(ctx context.Context, execID string, cap int, ttl time.Duration, payloads ...[]byte) error {
	return c.appendEvents(ctx, execEventsKey(execID), cap, ttl, payloads...)
}

// ListExecEvents returns the buffered events of an exec, oldest first.
func (c *Client) ListExecEvents(ctx context.Context, execID string) ([][]byte, error) {
	return c.listEvents(ctx, execEventsKey(execID))
}

// AppendReplayEvents appends serialized timeline events to a sandbox's
// replay buffer.
func (c *Client) AppendReplayEvents(ctx context.Context, sandboxID string, cap int, ttl time.Duration, payloads ...[]byte) error {
	return c.appendEvents(ctx, replayEventsKey(sandboxID), cap, ttl, payloads...)
}

// ListReplayEvents returns the buffered replay events, oldest first.
func (c *Client) ListReplayEvents(ctx context.Context, sandboxID string) ([][]byte, error) {
	return c.listEvents(ctx, replayEventsKey(sandboxID))
}

// DropReplayEvents deletes a sandbox's replay buffer after it is flushed
// to object storage.
func (c *Client) DropReplayEvents(ctx context.Context, sandboxID string) error {
	if err := c.rdb.Del(ctx, replayEventsKey(sandboxID), replayEventsKey(sandboxID)+":seq").Err(); err != nil {
		return fmt.Errorf("kv: drop replay events: %w", err)
	}
	return nil
}

// nextSeq increments the sequence counter next to an event buffer. The
// counter shares the buffer's TTL so seq survives control-plane restarts
// for as long as the buffer does.
func (c *Client) nextSeq(ctx context.Context, bufferKey string, ttl time.Duration) (int64, error) {
	key := bufferKey + ":seq"
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: next seq: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return 0, fmt.Errorf("kv: next seq expire: %w", err)
	}
	return n, nil
}

// NextExecEventSeq returns the next event sequence number for an exec.
func (c *Client) NextExecEventSeq(ctx context.Context, execID string, ttl time.Duration) (int64, error) {
	return c.nextSeq(ctx, execEventsKey(execID), ttl)
}

// NextReplayEventSeq returns the next replay event sequence number for a
// sandbox.
func (c *Client) NextReplayEventSeq(ctx context.Context, sandboxID string, ttl time.Duration) (int64, error) {
	return c.nextSeq(ctx, replayEventsKey(sandboxID), ttl)
}

// --- Artifact path registration ---

func artifactPathsKey(sandboxID string) string { return "artifactPaths:" + sandboxID }

// AddArtifactPaths registers guest paths for collection at shutdown.
// Returns the number of paths not already registered.
func (c *Client) AddArtifactPaths(ctx context.Context, sandboxID string, paths ...string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(paths))
	for i, p := range paths {
		members[i] = p
	}
	n, err := c.rdb.SAdd(ctx, artifactPathsKey(sandboxID), members...).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: add artifact paths: %w", err)
	}
	return int(n), nil
}

// ArtifactPaths returns the registered collection paths for a sandbox.
func (c *Client) ArtifactPaths(ctx context.Context, sandboxID string) ([]string, error) {
	paths, err := c.rdb.SMembers(ctx, artifactPathsKey(sandboxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: artifact paths: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// CountArtifactPaths returns how many paths are registered.
func (c *Client) CountArtifactPaths(ctx context.Context, sandboxID string) (int, error) {
	n, err := c.rdb.SCard(ctx, artifactPathsKey(sandboxID)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: count artifact paths: %w", err)
	}
	return int(n), nil
}

// DropArtifactPaths clears the registration set once collection finishes.
func (c *Client) DropArtifactPaths(ctx context.Context, sandboxID string) error {
	if err := c.rdb.Del(ctx, artifactPathsKey(sandboxID)).Err(); err != nil {
		return fmt.Errorf("kv: drop artifact paths: %w", err)
	}
	return nil
}

// --- Leader locks ---

func lockKey(name string) string { return "leader:" + name }

// AcquireLock takes a named leader lock. Only one control-plane instance
// runs each background worker at a time.
func (c *Client) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: acquire lock: %w", err)
	}
	return ok, nil
}

// RenewLock extends a held lock.
func (c *Client) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, c.rdb, []string{lockKey(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: renew lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock frees the lock if holder still owns it.
func (c *Client) ReleaseLock(ctx context.Context, name, holder string) error {
	if err := compareAndDelete.Run(ctx, c.rdb, []string{lockKey(name)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("kv: release lock: %w", err)
	}
	return nil
}

// --- Node liveness ---

func heartbeatKey(nodeID string) string { return "heartbeat:" + nodeID }

// SetNodeHeartbeat refreshes the liveness marker for a node.
func (c *Client) SetNodeHeartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, heartbeatKey(nodeID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("kv: set heartbeat: %w", err)
	}
	return nil
}

// NodeAlive reports whether the node's heartbeat marker has not expired.
func (c *Client) NodeAlive(ctx context.Context, nodeID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, heartbeatKey(nodeID)).Result()
	if err != nil {
		return false, fmt.Errorf("kv: node alive: %w", err)
	}
	return n == 1, nil
}

// --- One-shot markers ---

// MarkTTLWarned records that a ttl_warning event was emitted for the
// sandbox. Returns true only for the first caller.
func (c *Client) MarkTTLWarned(ctx context.Context, sandboxID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "ttl_warned:"+sandboxID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: mark ttl warned: %w", err)
	}
	return ok, nil
}
