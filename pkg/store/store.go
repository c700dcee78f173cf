// Package store persists per-session execution logs. The log is
// append-only while a session lives and expires after it terminates
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Store is an append-only execution log keyed by session id
type Store interface {
	Append(ctx context.Context, sessionID string, res *core.ExecutionResult) error
	List(ctx context.Context, sessionID string) ([]*core.ExecutionResult, error)

	// Expire schedules removal of a session's log. A ttl of zero or less
	// removes it immediately
	Expire(ctx context.Context, sessionID string, ttl time.Duration) error
	Close() error
}

var ErrEmptySessionID = errors.New("session id is required")

// New builds the store selected by the server configuration
func New(ctx context.Context, cfg *config.ServerConfig) (Store, error) {
	switch cfg.Store {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client, DefaultKeyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStore, cfg.Store)
	}
}
