package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefCounter tracks stream reference counts. When multiple relayarr
// instances sit behind a load balancer the Redis implementation keeps them
// agreeing on how many clients a stream has; the local implementation backs
// single-instance deployments with identical semantics. The manager only
// ever talks to this interface.
type RefCounter interface {
	// Incr atomically increments the stream's count and returns the new value.
	Incr(ctx context.Context, streamID string) (int64, error)
	// Decr atomically decrements the stream's count, never below zero, and
	// returns the new value.
	Decr(ctx context.Context, streamID string) (int64, error)
	// Get returns the stream's current count.
	Get(ctx context.Context, streamID string) (int64, error)
	// Forget removes the stream's count only when it is zero. A non-zero
	// count belongs to other instances' live clients and stays untouched.
	Forget(ctx context.Context, streamID string) error
	// Close releases any backend connection.
	Close() error
}

// localRefCounter is the in-process RefCounter used when no distributed
// backend is configured.
type localRefCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewLocalRefCounter returns a RefCounter holding all state in memory.
func NewLocalRefCounter() RefCounter {
	return &localRefCounter{counts: make(map[string]int64)}
}

func (c *localRefCounter) Incr(_ context.Context, streamID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[streamID]++
	return c.counts[streamID], nil
}

func (c *localRefCounter) Decr(_ context.Context, streamID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[streamID] > 0 {
		c.counts[streamID]--
	}
	return c.counts[streamID], nil
}

func (c *localRefCounter) Get(_ context.Context, streamID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[streamID], nil
}

func (c *localRefCounter) Forget(_ context.Context, streamID string) error {
	c.mu.Lock()
	if c.counts[streamID] == 0 {
		delete(c.counts, streamID)
	}
	c.mu.Unlock()
	return nil
}

func (c *localRefCounter) Close() error { return nil }

// decrFloorScript decrements a key but clamps it at zero, so an instance
// that crashed mid-session cannot drive the shared count negative.
var decrFloorScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  v = 0
end
return v
`)

// delIfZeroScript deletes a key only while its value is zero (or already
// gone). A check-then-delete round trip would race an INCR from another
// instance landing between the two calls.
var delIfZeroScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v or tonumber(v) <= 0 then
  redis.call('DEL', KEYS[1])
end
return 0
`)

// redisRefCounter applies reference-count changes as atomic remote
// operations rather than read-modify-write round trips.
type redisRefCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRefCounter connects to the Redis URL (redis://host:port/db) and
// returns a RefCounter backed by it. Keys expire after ttl so counts from
// dead instances eventually clear.
func NewRedisRefCounter(redisURL, keyPrefix string, ttl time.Duration) (RefCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &redisRefCounter{
		client: redis.NewClient(opts),
		prefix: keyPrefix,
		ttl:    ttl,
	}, nil
}

func (c *redisRefCounter) key(streamID string) string {
	return c.prefix + ":refcount:" + streamID
}

func (c *redisRefCounter) Incr(ctx context.Context, streamID string) (int64, error) {
	key := c.key(streamID)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing refcount: %w", err)
	}
	return incr.Val(), nil
}

func (c *redisRefCounter) Decr(ctx context.Context, streamID string) (int64, error) {
	n, err := decrFloorScript.Run(ctx, c.client, []string{c.key(streamID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrementing refcount: %w", err)
	}
	return n, nil
}

func (c *redisRefCounter) Get(ctx context.Context, streamID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(streamID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading refcount: %w", err)
	}
	return n, nil
}

func (c *redisRefCounter) Forget(ctx context.Context, streamID string) error {
	if err := delIfZeroScript.Run(ctx, c.client, []string{c.key(streamID)}).Err(); err != nil {
		return fmt.Errorf("deleting refcount: %w", err)
	}
	return nil
}

func (c *redisRefCounter) Close() error {
	return c.client.Close()
}
