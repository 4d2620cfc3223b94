package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/storage"
)

// stateLogLength is the number of characters of a state value included in logs
const stateLogLength = 8

// Store is an in-memory storage.StateStore.
type Store struct {
	mu     sync.RWMutex
	states map[string]*storage.FlowState

	// now is replaceable in tests
	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// read by the gauge callback without taking the lock
	statesCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.StateStore = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[string]*storage.FlowState),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterFlowStateCallback("memory", s.statesCountAtomic.Load); err != nil {
			s.logger.Warn("Failed to register flow state gauge", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Len returns the number of stored states, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// SaveState stores a flow state under its state value
func (s *Store) SaveState(ctx context.Context, state *storage.FlowState) (err error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()
	defer func() { s.recordStorageOperation(ctx, span, "save_state", err, startTime) }()

	if err := state.Validate(); err != nil {
		return err
	}

	now := s.now()
	cp := *state
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = now.Add(storage.DefaultStateTTL)
	}
	if !cp.ExpiresAt.After(now) {
		return fmt.Errorf("%w: already expired", storage.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[cp.State]; exists {
		return fmt.Errorf("%w: state already in use", storage.ErrInvalidState)
	}
	s.states[cp.State] = &cp
	s.statesCountAtomic.Store(int64(len(s.states)))

	s.logger.Debug("Saved flow state",
		"state_prefix", util.SafeTruncate(cp.State, stateLogLength),
		"provider", cp.ProviderID)
	return nil
}

// ConsumeState returns the flow state and removes it. Unknown and expired
// states both yield storage.ErrStateNotFound.
func (s *Store) ConsumeState(ctx context.Context, state string) (fs *storage.FlowState, err error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()
	defer func() { s.recordStorageOperation(ctx, span, "consume_state", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[state]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	delete(s.states, state)
	s.statesCountAtomic.Store(int64(len(s.states)))

	if s.now().After(stored.ExpiresAt) {
		s.logger.Debug("Flow state expired",
			"state_prefix", util.SafeTruncate(state, stateLogLength))
		return nil, storage.ErrStateNotFound
	}

	cp := *stored
	return &cp, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, state := range s.states {
		if now.After(state.ExpiresAt) {
			delete(s.states, key)
			cleaned++
		}
	}
	s.statesCountAtomic.Store(int64(len(s.states)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired flow states", "count", cleaned)
	}
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
