package core

// dedup.go – optional hot deduplication cache in front of the store. The
// P2P inbound path sees the same item hash from many peers in a short
// window; a Redis SETNX probe keeps those off the database. The cache is
// advisory: a miss (or no Redis at all) falls through to the store probe,
// and the promotion transaction stays the source of truth.

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DedupCache wraps the Redis client; the zero value (nil) disables caching.
type DedupCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewDedupCache connects to Redis at addr. Empty addr returns nil, which
// every method treats as cache-off.
func NewDedupCache(addr string, ttl time.Duration, lg *log.Logger) *DedupCache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	lg.Infof("dedup: redis %s (ttl %s)", addr, ttl)
	return &DedupCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: lg,
	}
}

// Seen marks the hash and reports whether it was already marked. Errors are
// logged and reported as "not seen" so Redis outages never drop messages.
func (d *DedupCache) Seen(ctx context.Context, itemHash string) bool {
	if d == nil {
		return false
	}
	fresh, err := d.client.SetNX(ctx, "ccn:seen:"+itemHash, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warnf("dedup: setnx: %v", err)
		return false
	}
	return !fresh
}

// Forget clears a mark; used when an ingest attempt fails before the row is
// durable so a later announcement can try again.
func (d *DedupCache) Forget(ctx context.Context, itemHash string) {
	if d == nil {
		return
	}
	if err := d.client.Del(ctx, "ccn:seen:"+itemHash).Err(); err != nil {
		d.logger.Warnf("dedup: del: %v", err)
	}
}

// Close releases the connection pool.
func (d *DedupCache) Close() error {
	if d == nil {
		return nil
	}
	return d.client.Close()
}
