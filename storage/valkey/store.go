package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "auth:"

	// stateLogLength is the number of characters of a state value included in logs
	stateLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxStateLength bounds the state value used as key
	MaxStateLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "auth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.StateStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.StateStore = (*Store)(nil)

// New creates a new Valkey-backed state store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewFromClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}

	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)

	return s, nil
}

// NewFromClient wraps an existing valkey client.
func NewFromClient(client valkeygo.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: slog.Default(),
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetEncryptor enables encryption at rest of stored flow states.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Flow state encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// stateKey returns the key for a flow state: {prefix}state:{state}
func (s *Store) stateKey(state string) string {
	return fmt.Sprintf("%sstate:%s", s.prefix, state)
}

// SaveState stores a flow state with a server-side TTL.
func (s *Store) SaveState(ctx context.Context, state *storage.FlowState) (err error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()
	defer func() { s.recordStorageOperation(ctx, span, "save_state", err, startTime) }()

	if state != nil && len(state.State) > MaxStateLength {
		return fmt.Errorf("%w: state exceeds %d bytes", storage.ErrInvalidState, MaxStateLength)
	}

	data, ttl, err := storage.Marshal(state, time.Now())
	if err != nil {
		return err
	}

	value := string(data)
	if enc := s.getEncryptor(); enc != nil {
		value, err = enc.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt flow state: %w", err)
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.stateKey(state.State)).Value(value).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}

	s.logger.Debug("Saved flow state",
		"state_prefix", util.SafeTruncate(state.State, stateLogLength),
		"provider", state.ProviderID,
		"ttl", ttl)
	return nil
}

// ConsumeState atomically reads and deletes a flow state with GETDEL.
func (s *Store) ConsumeState(ctx context.Context, state string) (fs *storage.FlowState, err error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()
	defer func() { s.recordStorageOperation(ctx, span, "consume_state", err, startTime) }()

	if state == "" || len(state) > MaxStateLength {
		return nil, storage.ErrStateNotFound
	}

	value, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.stateKey(state)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	if enc := s.getEncryptor(); enc != nil {
		value, err = enc.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt flow state: %w", err)
		}
	}

	return storage.Unmarshal([]byte(value), time.Now())
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result,
		float64(time.Since(startTime).Microseconds())/1000)
}
