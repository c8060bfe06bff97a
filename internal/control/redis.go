package control

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// Redis keeps the decimal pid under a single redis key.
type Redis struct {
	rcli  *redis.Client
	key   string
	owned bool
}

// NewRedis returns a strategy over key. The caller keeps ownership of rcli.
func NewRedis(rcli *redis.Client, key string, opts ...Option) *Cached {
	return New(&Redis{rcli: rcli, key: key}, opts...)
}

func (r *Redis) Load(ctx context.Context) (Entry, bool, error) {
	v, err := r.rcli.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := parseEntry(v)
	return ent, true, err
}

func (r *Redis) Save(ctx context.Context, e Entry) error {
	return r.rcli.Set(ctx, r.key, strconv.Itoa(e.PID), 0).Err()
}

func (r *Redis) Remove(ctx context.Context) error {
	return r.rcli.Del(ctx, r.key).Err()
}

func (r *Redis) Describe() string { return "redis:" + r.key }

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rcli.Close()
}
