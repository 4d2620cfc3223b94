// Package redis provides a Redis implementation of storage.StateStore built
// on go-redis. States are written with SET and an expiry and consumed with
// GETDEL, so each state can be redeemed exactly once across replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/storage"
)

const stateLogLength = 8

// Config for the Redis-backed state store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB number. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: STATE_KEY_PREFIX
	KeyPrefix string `env:"STATE_KEY_PREFIX,default=auth:state:"`
	// ConnTimeout bounds the initial PING. ENV: REDIS_CONN_TIMEOUT
	ConnTimeout time.Duration `env:"REDIS_CONN_TIMEOUT,default=5s"`
}

// Store is a go-redis backed storage.StateStore.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

var _ storage.StateStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	return New(cfg)
}

// NewFromClient wraps an existing client (single node, cluster or sentinel).
func NewFromClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "auth:state:"
	}
	return &Store{client: client, keyPrefix: keyPrefix, logger: slog.Default()}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) stateKey(state string) string { return s.keyPrefix + state }

// SaveState stores a flow state with an expiry.
func (s *Store) SaveState(ctx context.Context, state *storage.FlowState) error {
	data, ttl, err := storage.Marshal(state, time.Now())
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.stateKey(state.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	s.logger.Debug("Saved flow state",
		"state_prefix", util.SafeTruncate(state.State, stateLogLength),
		"provider", state.ProviderID)
	return nil
}

// ConsumeState reads and deletes a flow state in one GETDEL.
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.FlowState, error) {
	if state == "" {
		return nil, storage.ErrStateNotFound
	}
	data, err := s.client.GetDel(ctx, s.stateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}
	return storage.Unmarshal(data, time.Now())
}
