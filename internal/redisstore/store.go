// Package redisstore is a Redis implementation of the job queue backend.
// Waiting and delayed jobs live in Sorted Sets, the other states in Sets,
// and every job is a Hash. Transitions run as WATCH/MULTI transactions so
// that a job is claimed by exactly one worker.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxTxRetries = 16

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	client goredis.UniversalClient
	logger zerolog.Logger
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL, connects and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// watch runs fn as an optimistic transaction over keys, retrying when a
// watched key changed underneath it.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		s.logger.Debug().Strs("keys", keys).Int("attempt", i+1).Msg("transaction conflict, retrying")
	}
	return fmt.Errorf("redisstore: transaction on %v kept conflicting", keys)
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return s.client.Set(ctx, pausedKey, "1", 0).Err()
	}
	return s.client.Del(ctx, pausedKey).Err()
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	v, err := s.client.Get(ctx, pausedKey).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}
