// Package redisstore is a resume.Strategy backed by two Redis hashes:
// <prefix>:<name> maps offset keys to values and <prefix>:<name>:updated
// maps them to the update time in unix milliseconds.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tidemark/internal/resume"
)

const DefaultPrefix = "tidemark:offsets"

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	resume.AdapterHolder

	client *redis.Client
	own    bool
	values string
	times  string
}

// Open dials Redis and pings it before returning.
func Open(ctx context.Context, opts Options, name string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	s, err := New(client, opts.Prefix, name)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// New uses client as is; Close leaves it open.
func New(client *redis.Client, prefix, name string) (*Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("resume store name is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	key := prefix + ":" + name
	return &Store{client: client, values: key, times: key + ":updated"}, nil
}

func (s *Store) Kind() string { return "redis" }

func (s *Store) UpdateLastOffset(ctx context.Context, off resume.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	off, err := resume.ValidateOffset(off)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.values, off.Key, off.Value)
		p.HSet(ctx, s.times, off.Key, off.UpdatedAt.UTC().UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset offset %s: %w", off.Key, err)
	}
	return nil
}

// Offsets lists the stored offsets, oldest update first.
func (s *Store) Offsets(ctx context.Context) ([]resume.Offset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.client.HGetAll(ctx, s.values).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.values, err)
	}
	times, err := s.client.HGetAll(ctx, s.times).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.times, err)
	}

	out := make([]resume.Offset, 0, len(values))
	for k, v := range values {
		off := resume.Offset{Key: k, Value: v}
		if ms, err := strconv.ParseInt(times[k], 10, 64); err == nil {
			off.UpdatedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, off)
	}
	resume.SortOldestFirst(out)
	return out, nil
}

func (s *Store) LoadCache(ctx context.Context) error {
	a := s.Adapter()
	if a == nil {
		return resume.ErrNoAdapter
	}
	offs, err := s.Offsets(ctx)
	if err != nil {
		return err
	}
	resume.Restore(a, offs)
	return nil
}

func (s *Store) Close() error {
	if s == nil || !s.own {
		return nil
	}
	return s.client.Close()
}
