package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOpts configures the Redis connection shared by all Redis documents.
type RedisOpts struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

// NewRedisClient opens a client and checks connectivity.
func NewRedisClient(ctx context.Context, o RedisOpts) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", o.Addr, err)
	}
	return rdb, nil
}

// RedisDocument stores the document under one string key; SET replaces it atomically.
type RedisDocument struct {
	rdb *redis.Client
	key string
}

// NewRedisDocument returns the document stored at namespace:name.
func NewRedisDocument(rdb *redis.Client, namespace, name string) *RedisDocument {
	if namespace == "" {
		namespace = "datagate"
	}
	return &RedisDocument{rdb: rdb, key: namespace + ":" + name}
}

func (r *RedisDocument) Load(ctx context.Context) ([]byte, error) {
	val, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return val, nil
}

func (r *RedisDocument) Save(ctx context.Context, data []byte) error {
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
