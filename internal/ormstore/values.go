package ormstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/relaylist/internal/orm"
)

// isUnset reports the values a field holds when it has no value.
func isUnset(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case bool:
		return !typed
	case []any:
		return len(typed) == 0
	}
	return false
}

func equalValues(a, b any) bool {
	if isUnset(a) || isUnset(b) {
		return isUnset(a) && isUnset(b)
	}
	if ai, ok := numberOrID(a); ok {
		if bi, ok := numberOrID(b); ok {
			return ai == bi
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func numberOrID(v any) (int64, bool) {
	if pair, ok := v.([]any); ok && len(pair) > 0 {
		return orm.AsInt64(pair[0])
	}
	if _, ok := v.(string); ok {
		return 0, false
	}
	return orm.AsInt64(v)
}

func floatValue(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	}
	if n, ok := numberOrID(v); ok {
		return float64(n), true
	}
	return 0, false
}

// compareValues orders two values; unset values sort first.
func compareValues(a, b any) int {
	ua, ub := isUnset(a), isUnset(b)
	switch {
	case ua && ub:
		return 0
	case ua:
		return -1
	case ub:
		return 1
	}
	if af, ok := floatValue(a); ok {
		if bf, ok := floatValue(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// sortRows orders rows by an order string, breaking ties by id.
func sortRows(def *ModelDef, rows []orm.Values, order string) error {
	terms, err := parseOrder(def, order)
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range terms {
			c := compareValues(rows[i][term.Name], rows[j][term.Name])
			if c == 0 {
				continue
			}
			if term.Asc {
				return c < 0
			}
			return c > 0
		}
		a, _ := orm.AsInt64(rows[i]["id"])
		b, _ := orm.AsInt64(rows[j]["id"])
		return a < b
	})
	return nil
}

func parseOrder(def *ModelDef, order string) ([]orm.OrderTerm, error) {
	if strings.TrimSpace(order) == "" {
		order = def.defaultOrder()
	}
	terms := orm.ParseOrder(order)
	for _, term := range terms {
		if !def.hasField(term.Name) {
			return nil, fmt.Errorf("%w: order on unknown field %s.%s", orm.ErrValidation, def.Name, term.Name)
		}
	}
	return terms, nil
}

// coerceValue converts a client value to the stored representation of a
// field: many2one as a bare id, integers as int64.
func coerceValue(def *ModelDef, name string, value any) (any, error) {
	field, ok := def.Fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %s.%s", orm.ErrValidation, def.Name, name)
	}
	if isUnset(value) && field.Type != FieldBoolean {
		return false, nil
	}
	switch field.Type {
	case FieldInteger:
		n, ok := orm.AsInt64(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s expects an integer, got %v", orm.ErrValidation, def.Name, name, value)
		}
		return n, nil
	case FieldFloat:
		f, ok := floatValue(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s expects a number, got %v", orm.ErrValidation, def.Name, name, value)
		}
		return f, nil
	case FieldBoolean:
		b, ok := value.(bool)
		if !ok {
			if value == nil {
				return false, nil
			}
			return nil, fmt.Errorf("%w: %s.%s expects a boolean, got %v", orm.ErrValidation, def.Name, name, value)
		}
		return b, nil
	case FieldMany2One:
		id, ok := orm.Many2OneID(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s expects a record id, got %v", orm.ErrValidation, def.Name, name, value)
		}
		return id, nil
	default:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s expects a string, got %v", orm.ErrValidation, def.Name, name, value)
		}
		return s, nil
	}
}
