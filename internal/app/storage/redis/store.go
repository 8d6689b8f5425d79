// Package redis implements the storage.KV contract on Redis, for fleets
// that want loader state shared and hot-reloaded across processes without
// a relational database.
package redis

import (
	"context"
	"errors"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/Velora-App/ota_layer/internal/app/storage"
)

// Store implements storage.KV backed by Redis.
type Store struct {
	client *redis.Client
}

var _ storage.KV = (*Store)(nil)

// New creates a Store using the provided client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to the given address and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
