package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LivenessCache holds a short-lived Redis marker per node, set whenever the
// node reports. The supervisor and the API consult it for node liveness; it
// never reads Postgres itself, so a miss only means "no fresh marker".
type LivenessCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLivenessCache builds a cache client against addr (host:port).
func NewLivenessCache(addr, password string, db int, ttl time.Duration) *LivenessCache {
	return &LivenessCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl: ttl,
	}
}

func livenessKey(nodeID int64) string {
	return "gputasker:node_alive:" + strconv.FormatInt(nodeID, 10)
}

// MarkAlive records that nodeID reported at "at", refreshing the TTL.
func (c *LivenessCache) MarkAlive(ctx context.Context, nodeID int64, at time.Time) error {
	return c.rdb.Set(ctx, livenessKey(nodeID), at.Unix(), c.ttl).Err()
}

// IsAlive reports whether nodeID has a fresh, unexpired liveness entry.
// A cache miss is treated as "unknown" (false) rather than querying
// Postgres: callers that need authoritative freshness should read
// Node.LastReportAt directly instead.
func (c *LivenessCache) IsAlive(ctx context.Context, nodeID int64) (bool, error) {
	err := c.rdb.Get(ctx, livenessKey(nodeID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the underlying connection pool.
func (c *LivenessCache) Close() error { return c.rdb.Close() }
