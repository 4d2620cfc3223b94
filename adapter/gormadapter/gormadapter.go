// Package gormadapter implements the Adapter contract on top of GORM, with
// tables created from the merged plugin schema.
package gormadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/giantswarm/mcp-auth/adapter"
)

// Config holds configuration for the SQL backend.
type Config struct {
	// Driver is a registered driver name ("sqlite", "postgres")
	Driver string

	// DSN is the driver-specific data source name
	DSN string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// GenerateID assigns ids to records created without one (default: UUIDv4)
	GenerateID func() string
}

// Adapter stores every model in its own table and exchanges rows as maps.
type Adapter struct {
	db         *gorm.DB
	logger     *slog.Logger
	generateID func() string
}

var _ adapter.Adapter = (*Adapter)(nil)

// New opens the database described by cfg.
func New(cfg Config) (*Adapter, error) {
	dialector, err := GetDialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	a := NewFromDB(db)
	if cfg.Logger != nil {
		a.logger = cfg.Logger
	}
	if cfg.GenerateID != nil {
		a.generateID = cfg.GenerateID
	}

	a.logger.Info("Connected to SQL storage", "driver", cfg.Driver)
	return a, nil
}

// NewFromDB wraps an already opened GORM handle.
func NewFromDB(db *gorm.DB) *Adapter {
	return &Adapter{
		db:         db,
		logger:     slog.Default(),
		generateID: uuid.NewString,
	}
}

// Close closes the underlying connection pool.
func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *Adapter) quote(name string) string {
	return a.db.Statement.Quote(name)
}

func (a *Adapter) table(ctx context.Context, model string, where []adapter.Where) (*gorm.DB, error) {
	tx := a.db.WithContext(ctx).Table(model)
	clause, args, err := a.whereClause(where)
	if err != nil {
		return nil, err
	}
	if clause != "" {
		tx = tx.Where(clause, args...)
	}
	return tx, nil
}

func (a *Adapter) whereClause(where []adapter.Where) (string, []any, error) {
	parts := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for _, w := range where {
		var op string
		switch w.Op() {
		case adapter.OpEq:
			if w.Value == nil {
				parts = append(parts, a.quote(w.Field)+" IS NULL")
				continue
			}
			op = "="
		case adapter.OpNe:
			op = "<>"
		case adapter.OpLt:
			op = "<"
		case adapter.OpLte:
			op = "<="
		case adapter.OpGt:
			op = ">"
		case adapter.OpGte:
			op = ">="
		case adapter.OpIn:
			op = "IN"
		default:
			return "", nil, fmt.Errorf("%w: %q", adapter.ErrUnknownOperator, w.Operator)
		}
		parts = append(parts, fmt.Sprintf("%s %s ?", a.quote(w.Field), op))
		args = append(args, w.Value)
	}
	return strings.Join(parts, " AND "), args, nil
}

// Create inserts data as a new row.
func (a *Adapter) Create(ctx context.Context, model string, data adapter.Record) (adapter.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = adapter.Record{}
	}
	if rec.String("id") == "" {
		rec["id"] = a.generateID()
	}
	if err := a.db.WithContext(ctx).Table(model).Create(map[string]any(rec)).Error; err != nil {
		return nil, fmt.Errorf("create %s: %w", model, err)
	}
	return a.FindOne(ctx, model, []adapter.Where{adapter.Eq("id", rec.String("id"))})
}

// FindOne returns the first matching row, or nil.
func (a *Adapter) FindOne(ctx context.Context, model string, where []adapter.Where) (adapter.Record, error) {
	tx, err := a.table(ctx, model, where)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := tx.Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find %s: %w", model, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return adapter.Record(rows[0]), nil
}

// FindMany returns every matching row.
func (a *Adapter) FindMany(ctx context.Context, model string, where []adapter.Where) ([]adapter.Record, error) {
	tx, err := a.table(ctx, model, where)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find %s: %w", model, err)
	}
	out := make([]adapter.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, adapter.Record(row))
	}
	return out, nil
}

// Update applies update to every matching row and returns the first one
// after the change. Ids are resolved first so an update that rewrites a
// filtered column still finds its rows.
func (a *Adapter) Update(ctx context.Context, model string, update adapter.Record, where []adapter.Where) (adapter.Record, error) {
	matched, err := a.FindMany(ctx, model, where)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(matched))
	for _, rec := range matched {
		ids = append(ids, rec.String("id"))
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Table(model).
			Where(a.quote("id")+" IN ?", ids).
			Updates(map[string]any(update)).Error
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", model, err)
	}
	return a.FindOne(ctx, model, []adapter.Where{adapter.Eq("id", ids[0])})
}

// DeleteMany removes every matching row.
func (a *Adapter) DeleteMany(ctx context.Context, model string, where []adapter.Where) (int, error) {
	clause, args, err := a.whereClause(where)
	if err != nil {
		return 0, err
	}
	stmt := "DELETE FROM " + a.quote(model)
	if clause != "" {
		stmt += " WHERE " + clause
	}
	res := a.db.WithContext(ctx).Exec(stmt, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s: %w", model, res.Error)
	}
	return int(res.RowsAffected), nil
}

// Count returns the number of matching rows.
func (a *Adapter) Count(ctx context.Context, model string, where []adapter.Where) (int, error) {
	tx, err := a.table(ctx, model, where)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return int(n), nil
}

// ErrNoSchema is returned by Migrate for an empty schema.
var ErrNoSchema = errors.New("schema has no models")
