package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"flappysomnia/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	leaderboardKey  = "flappysomnia:leaderboard:v1"
	defaultCacheTTL = 5 * time.Minute
)

type Config struct {
	Addr string
	TTL  time.Duration
}

// Cache keeps the merged leaderboard in Redis so a restart (or a second
// instance) starts warm. Reads and writes are best effort; a miss or a
// parse failure simply forces a refresh.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(cfg Config) (*Cache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Cache{client: client, ttl: cfg.TTL}, nil
}

type envelope struct {
	Data      []domain.LeaderboardEntry `json:"data"`
	Timestamp int64                     `json:"timestamp"`
}

func (c *Cache) GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, time.Time, bool) {
	raw, err := c.client.Get(ctx, leaderboardKey).Result()
	if err != nil {
		return nil, time.Time{}, false
	}
	var cached envelope
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, time.Time{}, false
	}
	return cached.Data, time.UnixMilli(cached.Timestamp), true
}

func (c *Cache) SetLeaderboard(ctx context.Context, entries []domain.LeaderboardEntry, at time.Time) error {
	payload, err := json.Marshal(envelope{Data: entries, Timestamp: at.UnixMilli()})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, leaderboardKey, payload, c.ttl).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
