// Package store owns the connection to the shared Redis instance that holds
// every piece of per-session state, and the key layout used across packages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config describes how to reach Redis.
type Config struct {
	URL          string        `yaml:"url"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379",
		KeyPrefix:    "tokengate:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     50,
	}
}

// Store wraps a Redis client with the gateway's key layout.
type Store struct {
	client *redis.Client
	keys   Keys
	log    zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	// Retries are handled by Retry so they are bounded and observable.
	opts.MaxRetries = -1

	s := NewFromClient(redis.NewClient(opts), cfg.KeyPrefix, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s.log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connection established")
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultConfig().KeyPrefix
	}
	return &Store{
		client: client,
		keys:   Keys{prefix: prefix},
		log:    logger.With().Str("component", "store").Logger(),
	}
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client { return s.client }

// Keys returns the key layout.
func (s *Store) Keys() Keys { return s.keys }

// Ping probes store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
