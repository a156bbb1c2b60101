package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/isdmx/openeo-udf/udf"
)

// KeyPrefix namespaces result keys in Redis
const KeyPrefix = "openeo-udf:result:"

// RedisOptions configures the Redis cache
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis stores results as JSON strings with a TTL
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis opens a client for the configured server
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl: opts.TTL,
	}
}

// Ping tests connectivity
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (*udf.Result, bool, error) {
	s, err := r.client.Get(ctx, KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var res udf.Result
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &res, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, res *udf.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, KeyPrefix+key, data, r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
