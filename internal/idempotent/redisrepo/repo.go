// Package redisrepo is an idempotent.Repository in Redis. Without an
// expiry, ids are members of the set <prefix>:<name>. With Expiry > 0 each
// id is its own key <prefix>:<name>:<id>, written with SET NX and a TTL.
package redisrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "tidemark:idempotent"

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Name     string
	Expiry   time.Duration
}

type Repo struct {
	client *redis.Client
	own    bool
	key    string
	expiry time.Duration
}

func Open(ctx context.Context, opts Options) (*Repo, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	r, err := New(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	r.own = true
	return r, nil
}

// New uses client as is; Close leaves it open.
func New(client *redis.Client, opts Options) (*Repo, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("idempotent repository name is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Repo{client: client, key: prefix + ":" + name, expiry: opts.Expiry}, nil
}

func (r *Repo) itemKey(id string) string { return r.key + ":" + id }

func (r *Repo) Add(ctx context.Context, key string) (bool, error) {
	if r.expiry > 0 {
		ok, err := r.client.SetNX(ctx, r.itemKey(key), 1, r.expiry).Result()
		if err != nil {
			return false, fmt.Errorf("setnx %s: %w", key, err)
		}
		return ok, nil
	}
	n, err := r.client.SAdd(ctx, r.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Repo) Contains(ctx context.Context, key string) (bool, error) {
	if r.expiry > 0 {
		n, err := r.client.Exists(ctx, r.itemKey(key)).Result()
		if err != nil {
			return false, fmt.Errorf("exists %s: %w", key, err)
		}
		return n == 1, nil
	}
	ok, err := r.client.SIsMember(ctx, r.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *Repo) Remove(ctx context.Context, key string) (bool, error) {
	var (
		n   int64
		err error
	)
	if r.expiry > 0 {
		n, err = r.client.Del(ctx, r.itemKey(key)).Result()
	} else {
		n, err = r.client.SRem(ctx, r.key, key).Result()
	}
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Repo) Confirm(ctx context.Context, key string) (bool, error) {
	return r.Contains(ctx, key)
}

func (r *Repo) Clear(ctx context.Context) error {
	if r.expiry <= 0 {
		if err := r.client.Del(ctx, r.key).Err(); err != nil {
			return fmt.Errorf("del %s: %w", r.key, err)
		}
		return nil
	}
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %s:*: %w", r.key, err)
	}
	return nil
}

// Keys lists ids. In expiry mode this scans the key space.
func (r *Repo) Keys(ctx context.Context) ([]string, error) {
	if r.expiry <= 0 {
		ids, err := r.client.SMembers(ctx, r.key).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers %s: %w", r.key, err)
		}
		return ids, nil
	}
	keys, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, r.key+":"))
	}
	return ids, nil
}

func (r *Repo) scan(ctx context.Context) ([]string, error) {
	var keys []string
	it := r.client.Scan(ctx, 0, r.key+":*", 100).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan %s:*: %w", r.key, err)
	}
	return keys, nil
}

func (r *Repo) Start(context.Context) error { return nil }

func (r *Repo) Close() error {
	if r == nil || !r.own {
		return nil
	}
	return r.client.Close()
}
