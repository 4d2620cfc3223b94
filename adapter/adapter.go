// Package adapter defines the generic persistence contract the core and
// every plugin call against. Concrete backends live in sub-packages.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownOperator is returned for a Where clause with an unsupported operator.
var ErrUnknownOperator = errors.New("unknown where operator")

// Operator compares a field against a value.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

// Where is one condition. Conditions in a slice are combined with AND.
type Where struct {
	Field    string
	Value    any
	Operator Operator // empty means OpEq
}

// Eq is shorthand for an equality condition.
func Eq(field string, value any) Where {
	return Where{Field: field, Value: value, Operator: OpEq}
}

// Op returns the effective operator.
func (w Where) Op() Operator {
	if w.Operator == "" {
		return OpEq
	}
	return w.Operator
}

// Record is one row of a model.
type Record map[string]any

// Adapter is the CRUD contract over named models. FindOne and Update return
// a nil Record and nil error when nothing matches.
type Adapter interface {
	Create(ctx context.Context, model string, data Record) (Record, error)
	FindOne(ctx context.Context, model string, where []Where) (Record, error)
	FindMany(ctx context.Context, model string, where []Where) ([]Record, error)
	Update(ctx context.Context, model string, update Record, where []Where) (Record, error)
	DeleteMany(ctx context.Context, model string, where []Where) (int, error)
	Count(ctx context.Context, model string, where []Where) (int, error)
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the field as a string, or "" if absent.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the field as a bool. SQL backends may hand back integers.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Int returns the field as an int64.
func (r Record) Int(field string) int64 {
	switch v := r[field].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Time returns the field as a time. The second result is false when the
// field is absent or not a recognizable time.
func (r Record) Time(field string) (time.Time, bool) {
	switch v := r[field].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// TimePtr is Time returning nil when the field is unset.
func (r Record) TimePtr(field string) *time.Time {
	t, ok := r.Time(field)
	if !ok {
		return nil
	}
	return &t
}
