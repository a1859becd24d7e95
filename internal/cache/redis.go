package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// remotePrefix namespaces all of our keys inside a shared redis.
const remotePrefix = "openalgo:"

// Redis is the distributed backend used in multi-instance deployments.
// Every key is stored as "openalgo:<namespace>:<key>"; TTLs map straight
// to redis expirations.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and verifies the server with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

// Ping probes the server. Used by backend auto-selection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) remote(key string) string { return remotePrefix + key }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.remote(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.remote(key), value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.remote(key)).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.remote(key)).Result()
	return n > 0, err
}

func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	remote := make([]string, len(keys))
	for i, k := range keys {
		remote[i] = r.remote(k)
	}
	vals, err := r.client.MGet(ctx, remote...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for k, v := range items {
		pipe.Set(ctx, r.remote(k), v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Items(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := r.client.Scan(ctx, 0, r.remote(prefix)+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[strings.TrimPrefix(keys[i], remotePrefix)] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) Clear(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, r.remote(prefix)+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Size(ctx context.Context, prefix string) (int, error) {
	count := 0
	iter := r.client.Scan(ctx, 0, r.remote(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

func (r *Redis) Close() error { return r.client.Close() }
