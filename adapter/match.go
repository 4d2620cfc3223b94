package adapter

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Matches evaluates where against rec in memory. It is used by backends
// that cannot push conditions down to a query engine.
func Matches(rec Record, where []Where) (bool, error) {
	for _, w := range where {
		ok, err := matchOne(rec[w.Field], w)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(actual any, w Where) (bool, error) {
	switch w.Op() {
	case OpEq:
		return equal(actual, w.Value), nil
	case OpNe:
		return !equal(actual, w.Value), nil
	case OpIn:
		v := reflect.ValueOf(w.Value)
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return false, fmt.Errorf("%w: %q needs a slice value", ErrUnknownOperator, OpIn)
		}
		for i := 0; i < v.Len(); i++ {
			if equal(actual, v.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	case OpLt, OpLte, OpGt, OpGte:
		c, ok := compare(actual, w.Value)
		if !ok {
			return false, nil
		}
		switch w.Op() {
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, w.Operator)
	}
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values of the same family (numbers, strings, times).
func compare(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
		return 0, false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
		return 0, false
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
