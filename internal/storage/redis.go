package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp-endpoint-scanner/internal/types"
)

const (
	redisSnapshotKey = "warpscan:snapshot"
	// sorted set of endpoints scored by average latency
	redisLatencyKey = "warpscan:latency"
)

type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects to addr, which may be host:port or a redis:// URL
func NewRedisStorage(addr string) (*RedisStorage, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		opts = parsed
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// Save writes the snapshot document and the latency index atomically
func (r *RedisStorage) Save(ctx context.Context, snapshot *types.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	members := make([]redis.Z, 0, len(snapshot.Ranked))
	for _, m := range snapshot.Ranked {
		members = append(members, redis.Z{Score: m.AvgLatencyMs, Member: m.Endpoint.String()})
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSnapshotKey, data, 0)
		pipe.Del(ctx, redisLatencyKey)
		if len(members) > 0 {
			pipe.ZAdd(ctx, redisLatencyKey, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (r *RedisStorage) Load(ctx context.Context) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, redisSnapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return &snap, nil
}

// Fastest returns up to n endpoints from the latency index
func (r *RedisStorage) Fastest(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return r.client.ZRange(ctx, redisLatencyKey, 0, int64(n-1)).Result()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
