package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKey = "pifleet:journal"

// Redis stores the journal as a capped list, newest entries at the head.
type Redis struct {
	client   *redis.Client
	capacity int64
}

// NewRedis connects and verifies the connection before returning.
func NewRedis(ctx context.Context, addr string, db int, capacity int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("journal: redis at %s: %w", addr, err)
	}

	return &Redis{client: client, capacity: int64(capacity)}, nil
}

func (r *Redis) Record(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshaling entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, redisKey, payload)
	pipe.LTrim(ctx, redisKey, 0, r.capacity-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = int(r.capacity)
	}
	raw, err := r.client.LRange(ctx, redisKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("journal: corrupt entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) Close() error { return r.client.Close() }
