package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

const DefaultKeyPrefix = "optics:executions:"

// Redis keeps each session's log in a list
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Close closes the client
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *Redis) Append(ctx context.Context, sessionID string, res *core.ExecutionResult) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", res.ExecutionID, err)
	}
	if err := r.client.RPush(ctx, r.key(sessionID), b).Err(); err != nil {
		return fmt.Errorf("append execution %s: %w", res.ExecutionID, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, sessionID string) ([]*core.ExecutionResult, error) {
	items, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", sessionID, err)
	}
	res := make([]*core.ExecutionResult, 0, len(items))
	for _, item := range items {
		var er core.ExecutionResult
		if err := json.Unmarshal([]byte(item), &er); err != nil {
			return nil, fmt.Errorf("decode execution of %s: %w", sessionID, err)
		}
		res = append(res, &er)
	}
	return res, nil
}

func (r *Redis) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	key := r.key(sessionID)
	if ttl <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
