package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as binary redis strings.
type RedisStore struct {
	client *redis.Client
	prefix string
	// 0 means no expiration
	ttl time.Duration
}

func NewRedisStore(redisUrl string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "crdt:",
	}
}

func (self *RedisStore) WithTtl(ttl time.Duration) *RedisStore {
	self.ttl = ttl
	return self
}

func (self *RedisStore) key(roomId string) string {
	return self.prefix + roomId
}

func (self *RedisStore) LoadRoom(ctx context.Context, roomId string) ([]byte, error) {
	data, err := self.client.Get(ctx, self.key(roomId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", roomId, err)
	}
	return data, nil
}

func (self *RedisStore) SaveRoom(ctx context.Context, roomId string, data []byte) error {
	if err := self.client.Set(ctx, self.key(roomId), data, self.ttl).Err(); err != nil {
		return fmt.Errorf("save %s: %w", roomId, err)
	}
	return nil
}

func (self *RedisStore) Room(roomId string) Storage {
	return ForRoom(self, roomId)
}

func (self *RedisStore) Close() error {
	return self.client.Close()
}
