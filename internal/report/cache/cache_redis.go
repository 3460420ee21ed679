// Package cache keeps report projections in Redis for a short TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	approvalmodels "spotkeeper/internal/approval/models"
	"spotkeeper/internal/report/models"
)

const reportKeyPrefix = "spotkeeper:report:"

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns false without error on a miss.
func (c *RedisCache) Get(ctx context.Context, eventTypeID string) (*models.Report, bool, error) {
	raw, err := c.client.Get(ctx, reportKeyPrefix+eventTypeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var report models.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, false, fmt.Errorf("decode cached report: %w", err)
	}
	return &report, true, nil
}

func (c *RedisCache) Set(ctx context.Context, eventTypeID string, report *models.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return c.client.Set(ctx, reportKeyPrefix+eventTypeID, raw, c.ttl).Err()
}

// Invalidate drops the cached projections for the given event types.
func (c *RedisCache) Invalidate(ctx context.Context, eventTypeIDs ...string) error {
	seen := make(map[string]struct{}, len(eventTypeIDs))
	keys := make([]string, 0, len(eventTypeIDs))
	for _, id := range eventTypeIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, reportKeyPrefix+id)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Publish drops the projections touched by committed decisions, so the cache
// can sit behind the approval service as one more decision subscriber.
func (c *RedisCache) Publish(ctx context.Context, events []approvalmodels.DecisionEvent) error {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventTypeID)
	}
	return c.Invalidate(ctx, ids...)
}
