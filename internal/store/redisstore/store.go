package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"github.com/pliu/livechat/internal/store"
)

// RedisStore satisfies store.KV on top of a go-redis v9 client. Keys are
// namespaced with a prefix so the database can be shared.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ store.KV = (*RedisStore)(nil)

// New parses a redis:// URL, connects and pings the server.
func New(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parse url")
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "redis: ping")
	}
	return NewWithClient(c, "livechat:"), nil
}

func NewWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis: get %q", key)
	}
	return res, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis: set %q", key)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "redis: del %q", key)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
