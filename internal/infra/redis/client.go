package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// Client wraps Redis operations used to coordinate multiple engine
// instances sharing one job table: per-study dispatch locks, the
// delayed-retry schedule and study cancel flags.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func dispatchLockKey(studyID string) string {
	return fmt.Sprintf("dispatch_lock:%s", studyID)
}

func retryQueueKey(studyID string) string {
	return fmt.Sprintf("retry_schedule:%s", studyID)
}

func cancelFlagKey(studyID string) string {
	return fmt.Sprintf("cancelled:%s", studyID)
}

// AcquireDispatchLock attempts to take ownership of a study's dispatch loop.
func (c *Client) AcquireDispatchLock(ctx context.Context, studyID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, dispatchLockKey(studyID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RefreshDispatchLock extends the TTL of a held dispatch lock.
func (c *Client) RefreshDispatchLock(ctx context.Context, studyID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, dispatchLockKey(studyID), ttl).Err()
}

// ReleaseDispatchLock releases a dispatch lock.
func (c *Client) ReleaseDispatchLock(ctx context.Context, studyID string) error {
	return c.rdb.Del(ctx, dispatchLockKey(studyID)).Err()
}

// ScheduleRetry stores a request to be re-dispatched once readyAt passes.
// The sorted set is scored by ready time so PopDue pops in order.
func (c *Client) ScheduleRetry(ctx context.Context, req domain.JobExecutionRequest, readyAt time.Time) error {
	member, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	z := redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(member)}
	if err := c.rdb.ZAdd(ctx, retryQueueKey(req.StudyID), z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopDue pops requests whose ready time has elapsed.
func (c *Client) PopDue(ctx context.Context, studyID string, now time.Time) ([]domain.JobExecutionRequest, error) {
	key := retryQueueKey(studyID)
	max := fmt.Sprintf("%d", now.UnixMilli())

	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	var out []domain.JobExecutionRequest
	for _, member := range members {
		// Remove first so only one instance dispatches the retry.
		removed, err := c.rdb.ZRem(ctx, key, member).Result()
		if err != nil {
			return out, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}
		var req domain.JobExecutionRequest
		if err := json.Unmarshal([]byte(member), &req); err != nil {
			return out, fmt.Errorf("invalid scheduled request: %w", err)
		}
		out = append(out, req)
	}
	return out, nil
}

// SetCancelFlag marks a study as cancelled for all instances.
func (c *Client) SetCancelFlag(ctx context.Context, studyID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, cancelFlagKey(studyID), "1", ttl).Err()
}

// IsCancelled checks the shared cancel flag.
func (c *Client) IsCancelled(ctx context.Context, studyID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, cancelFlagKey(studyID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}
