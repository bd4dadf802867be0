package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/mail-dispatch/internal/workflow"
)

// DefaultKeyPrefix namespaces every key the Redis store writes.
const DefaultKeyPrefix = "mail-dispatch:"

// acquireScript takes the lease when it is free or already held by the
// caller, refreshing its expiry.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lease only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a workflow.Store backed by Redis. Each record is a JSON string
// key; non-terminal ids are tracked in a set so they can be resumed after a
// restart.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis store. An empty prefix uses DefaultKeyPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(id string) string { return r.prefix + "record:" + id }
func (r *Redis) leaseKey(id string) string  { return r.prefix + "lease:" + id }
func (r *Redis) activeKey() string          { return r.prefix + "active" }

func (r *Redis) Load(ctx context.Context, id string) (*workflow.Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec workflow.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Redis) Save(ctx context.Context, rec *workflow.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.ID), data, 0)
	if rec.State.Terminal() {
		pipe.SRem(ctx, r.activeKey(), rec.ID)
	} else {
		pipe.SAdd(ctx, r.activeKey(), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (r *Redis) ListActive(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) Acquire(ctx context.Context, id, owner string, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	ok, err := acquireScript.Run(ctx, r.client, []string{r.leaseKey(id)}, owner, ms).Int()
	if err != nil {
		return fmt.Errorf("redis acquire lease: %w", err)
	}
	if ok == 0 {
		return workflow.ErrLeaseHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, id, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(id)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}
