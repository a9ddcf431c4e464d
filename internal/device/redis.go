package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jarvis/internal/domain"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces device keys.
const DefaultPrefix = "jarvis:device:"

// RedisStore keeps device state in Redis as one JSON value per device under
// prefix+id, so several processes share the same household.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to redisURL (redis://...) and verifies the
// connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("device store connected", "backend", "redis", "addr", opts.Addr)
	s := NewRedisStoreWithClient(client, prefix)
	s.logger = logger
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix, logger: slog.Default()}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Device, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	if err != nil {
		return domain.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	var d domain.Device
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Device{}, fmt.Errorf("decode device %s: %w", id, err)
	}
	return d, nil
}

func (s *RedisStore) Set(ctx context.Context, id string, d domain.Device) error {
	if id == "" {
		return fmt.Errorf("device id required")
	}
	d.ID = id
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), data, 0).Err(); err != nil {
		return fmt.Errorf("set device %s: %w", id, err)
	}
	return nil
}

// List scans the prefix and returns all devices ordered by id.
func (s *RedisStore) List(ctx context.Context) ([]domain.Device, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	out := make([]domain.Device, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		var d domain.Device
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			s.logger.Warn("skipping undecodable device", "key", keys[i], "err", err)
			continue
		}
		if d.ID == "" {
			d.ID = strings.TrimPrefix(keys[i], s.prefix)
		}
		out = append(out, d)
	}
	sortByID(out)
	return out, nil
}

// Seed writes devices that do not exist yet. Existing state is kept.
func (s *RedisStore) Seed(ctx context.Context, devices []domain.Device) (int, error) {
	added := 0
	for _, d := range devices {
		data, err := json.Marshal(d)
		if err != nil {
			return added, err
		}
		ok, err := s.client.SetNX(ctx, s.key(d.ID), data, 0).Result()
		if err != nil {
			return added, fmt.Errorf("seed device %s: %w", d.ID, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
