// Package memory provides an in-memory Adapter. It is suitable for
// development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-auth/adapter"
)

// Adapter keeps every model as an insertion-ordered slice of records.
type Adapter struct {
	mu     sync.RWMutex
	tables map[string][]adapter.Record

	generateID func() string
	logger     *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an empty in-memory adapter that assigns UUIDs to new records.
func New() *Adapter {
	return &Adapter{
		tables:     map[string][]adapter.Record{},
		generateID: uuid.NewString,
		logger:     slog.Default(),
	}
}

// SetIDGenerator overrides how ids are assigned to records created without one.
func (a *Adapter) SetIDGenerator(fn func() string) {
	if fn != nil {
		a.generateID = fn
	}
}

// SetLogger sets a custom logger.
func (a *Adapter) SetLogger(logger *slog.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Create stores a copy of data.
func (a *Adapter) Create(_ context.Context, model string, data adapter.Record) (adapter.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = adapter.Record{}
	}
	if rec.String("id") == "" {
		rec["id"] = a.generateID()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.tables[model] {
		if existing.String("id") == rec.String("id") {
			return nil, fmt.Errorf("create %s: duplicate id %q", model, rec.String("id"))
		}
	}
	a.tables[model] = append(a.tables[model], rec)

	a.logger.Debug("Created record", "model", model, "id", rec.String("id"))
	return rec.Clone(), nil
}

// FindOne returns the first matching record, or nil.
func (a *Adapter) FindOne(_ context.Context, model string, where []adapter.Where) (adapter.Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, rec := range a.tables[model] {
		ok, err := adapter.Matches(rec, where)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", model, err)
		}
		if ok {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// FindMany returns every matching record in insertion order.
func (a *Adapter) FindMany(_ context.Context, model string, where []adapter.Where) ([]adapter.Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []adapter.Record
	for _, rec := range a.tables[model] {
		ok, err := adapter.Matches(rec, where)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", model, err)
		}
		if ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Update applies update to every matching record and returns the first.
func (a *Adapter) Update(_ context.Context, model string, update adapter.Record, where []adapter.Where) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first adapter.Record
	for _, rec := range a.tables[model] {
		ok, err := adapter.Matches(rec, where)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", model, err)
		}
		if !ok {
			continue
		}
		for k, v := range update {
			rec[k] = v
		}
		if first == nil {
			first = rec.Clone()
		}
	}
	return first, nil
}

// DeleteMany removes every matching record.
func (a *Adapter) DeleteMany(_ context.Context, model string, where []adapter.Where) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.tables[model][:0:0]
	deleted := 0
	for _, rec := range a.tables[model] {
		ok, err := adapter.Matches(rec, where)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", model, err)
		}
		if ok {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	a.tables[model] = kept
	return deleted, nil
}

// Count returns the number of matching records.
func (a *Adapter) Count(ctx context.Context, model string, where []adapter.Where) (int, error) {
	recs, err := a.FindMany(ctx, model, where)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Len returns the number of records of model. It backs storage-size gauges.
func (a *Adapter) Len(model string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tables[model])
}
