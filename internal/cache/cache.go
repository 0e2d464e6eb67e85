package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	eligibleNodesKey = "vpncore:nodes:eligible"
	eligibleNodesTTL = 30 * time.Second

	// UsageQueueKey is the list backing the data-plane usage report queue;
	// its length is exposed on the dashboard.
	UsageQueueKey = "vpncore:usage_queue"
)

// New connects to Redis and verifies the connection
func New(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return client, nil
}

// NodeCache caches the eligible-node id list. The registry invalidates it on
// every health change so the selector never reads a stale fleet view for
// longer than one health transition.
type NodeCache struct {
	rdb *redis.Client
}

// NewNodeCache creates a node cache over an existing client
func NewNodeCache(rdb *redis.Client) *NodeCache {
	return &NodeCache{rdb: rdb}
}

// GetEligible returns the cached eligible node ids, or (nil, false) on miss
func (c *NodeCache) GetEligible(ctx context.Context) ([]int64, bool) {
	raw, err := c.rdb.Get(ctx, eligibleNodesKey).Bytes()
	if err != nil {
		return nil, false
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false
	}

	return ids, true
}

// SetEligible stores the eligible node ids
func (c *NodeCache) SetEligible(ctx context.Context, ids []int64) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal node ids: %w", err)
	}
	return c.rdb.Set(ctx, eligibleNodesKey, raw, eligibleNodesTTL).Err()
}

// Invalidate drops the cached eligible-node list
func (c *NodeCache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, eligibleNodesKey).Err()
}

// QueueLength returns the current length of the usage report queue
func QueueLength(ctx context.Context, rdb *redis.Client) int64 {
	length, err := rdb.LLen(ctx, UsageQueueKey).Result()
	if err != nil {
		return 0
	}
	return length
}
