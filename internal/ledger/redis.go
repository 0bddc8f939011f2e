package ledger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "rdnat:"
	// Active entries expire on their own if an instance dies mid-session.
	activeTTL = 24 * time.Hour
)

// Redis keeps one hash per active session and aggregate counters per mode.
type Redis struct {
	client   *redis.Client
	instance string
}

var _ Ledger = (*Redis)(nil)

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	host, _ := os.Hostname()
	return &Redis{client: rdb, instance: fmt.Sprintf("%s-%d", host, os.Getpid())}, nil
}

func (r *Redis) Open(ctx context.Context, e Entry) error {
	key := sessionKey(e.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"mode":     e.Mode,
			"left":     e.Left,
			"right":    e.Right,
			"started":  e.Started.UTC().Format(time.RFC3339Nano),
			"instance": r.instance,
		})
		pipe.Expire(ctx, key, activeTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger open %s: %w", e.ID, err)
	}
	return nil
}

func (r *Redis) Close(ctx context.Context, e Entry, t Totals) error {
	totals := totalsKey(e.Mode)
	result := "ok"
	if t.Failed {
		result = "failed"
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(e.ID))
		pipe.HIncrBy(ctx, totals, "sessions_"+result, 1)
		pipe.HIncrBy(ctx, totals, "bytes_left_to_right", t.LeftToRight)
		pipe.HIncrBy(ctx, totals, "bytes_right_to_left", t.RightToLeft)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger close %s: %w", e.ID, err)
	}
	return nil
}

// Shutdown closes the Redis client.
func (r *Redis) Shutdown() error {
	return r.client.Close()
}

func sessionKey(id string) string { return keyPrefix + "session:" + id }
func totalsKey(mode string) string { return keyPrefix + "totals:" + mode }
