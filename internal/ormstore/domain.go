package ormstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentworkforce/relaylist/internal/orm"
)

// matcher evaluates a prefix notation domain against one record.
type matcher struct {
	def   *ModelDef
	terms []any
	pos   int
}

// compileDomain checks the domain shape and field names, and adds the
// implicit active filter when the model has an active field.
func compileDomain(def *ModelDef, domain orm.Domain, kwctx orm.Context) (orm.Domain, error) {
	m := &matcher{def: def, terms: domain}
	for m.pos < len(m.terms) {
		if err := m.check(); err != nil {
			return nil, err
		}
	}
	out := append(orm.Domain{}, domain...)
	if def.hasField("active") && activeTest(kwctx) && !mentionsField(domain, "active") {
		out = append(out, []any{"active", "=", true})
	}
	return out, nil
}

func activeTest(kwctx orm.Context) bool {
	if kwctx == nil {
		return true
	}
	if v, ok := kwctx["active_test"].(bool); ok {
		return v
	}
	return true
}

func mentionsField(domain orm.Domain, field string) bool {
	for _, term := range domain {
		if leaf, ok := term.([]any); ok && len(leaf) == 3 && leaf[0] == field {
			return true
		}
	}
	return false
}

// check walks one expression without evaluating it.
func (m *matcher) check() error {
	if m.pos >= len(m.terms) {
		return fmt.Errorf("%w: domain: missing operand", orm.ErrValidation)
	}
	term := m.terms[m.pos]
	m.pos++
	switch typed := term.(type) {
	case string:
		arity := 0
		switch typed {
		case "&", "|":
			arity = 2
		case "!":
			arity = 1
		default:
			return fmt.Errorf("%w: domain: unknown operator %q", orm.ErrValidation, typed)
		}
		for i := 0; i < arity; i++ {
			if err := m.check(); err != nil {
				return err
			}
		}
		return nil
	case []any:
		return m.checkLeaf(typed)
	default:
		return fmt.Errorf("%w: domain: invalid term %v", orm.ErrValidation, term)
	}
}

func (m *matcher) checkLeaf(leaf []any) error {
	if len(leaf) != 3 {
		return fmt.Errorf("%w: domain: leaf %v must have 3 elements", orm.ErrValidation, leaf)
	}
	op, ok := leaf[1].(string)
	if !ok || !knownOperator(op) {
		return fmt.Errorf("%w: domain: invalid operator %v", orm.ErrValidation, leaf[1])
	}
	switch field := leaf[0].(type) {
	case string:
		if !m.def.hasField(field) {
			return fmt.Errorf("%w: domain: unknown field %s.%s", orm.ErrValidation, m.def.Name, field)
		}
	default:
		// Constant leaves such as [1, "=", 1].
		if _, ok := orm.AsInt64(field); !ok {
			return fmt.Errorf("%w: domain: invalid field %v", orm.ErrValidation, field)
		}
	}
	return nil
}

func knownOperator(op string) bool {
	switch op {
	case "=", "!=", "<", "<=", ">", ">=", "in", "not in", "like", "not like", "ilike", "not ilike", "=like", "=ilike":
		return true
	}
	return false
}

// match evaluates a domain returned by compileDomain. Top level expressions
// are and-ed.
func match(def *ModelDef, domain orm.Domain, row orm.Values) bool {
	m := &matcher{def: def, terms: domain}
	for m.pos < len(m.terms) {
		if !m.eval(row) {
			return false
		}
	}
	return true
}

func (m *matcher) eval(row orm.Values) bool {
	term := m.terms[m.pos]
	m.pos++
	switch typed := term.(type) {
	case string:
		switch typed {
		case "&":
			left := m.eval(row)
			right := m.eval(row)
			return left && right
		case "|":
			left := m.eval(row)
			right := m.eval(row)
			return left || right
		case "!":
			return !m.eval(row)
		}
	case []any:
		return evalLeaf(typed, row)
	}
	return false
}

func evalLeaf(leaf []any, row orm.Values) bool {
	op := leaf[1].(string)
	var current any
	if field, ok := leaf[0].(string); ok {
		current = row[field]
	} else {
		current = leaf[0]
	}
	target := leaf[2]
	switch op {
	case "=":
		return equalValues(current, target)
	case "!=":
		return !equalValues(current, target)
	case "<", "<=", ">", ">=":
		if isUnset(current) || isUnset(target) {
			return false
		}
		c := compareValues(current, target)
		switch op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		default:
			return c >= 0
		}
	case "in", "not in":
		found := false
		for _, candidate := range listValue(target) {
			if equalValues(current, candidate) {
				found = true
				break
			}
		}
		return found == (op == "in")
	case "like", "not like", "ilike", "not ilike":
		needle := fmt.Sprint(target)
		haystack := textValue(current)
		if strings.HasPrefix(op, "not ") {
			return !containsText(haystack, needle, strings.HasSuffix(op, "ilike"))
		}
		return containsText(haystack, needle, op == "ilike")
	case "=like", "=ilike":
		return likePattern(fmt.Sprint(target), op == "=ilike").MatchString(textValue(current))
	}
	return false
}

func containsText(haystack, needle string, fold bool) bool {
	if fold {
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}
	return strings.Contains(haystack, needle)
}

// likePattern turns an SQL LIKE pattern into an anchored regexp.
func likePattern(pattern string, fold bool) *regexp.Regexp {
	var b strings.Builder
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func listValue(v any) []any {
	switch typed := v.(type) {
	case []any:
		return typed
	case []int64:
		out := make([]any, 0, len(typed))
		for _, id := range typed {
			out = append(out, id)
		}
		return out
	case []string:
		out := make([]any, 0, len(typed))
		for _, s := range typed {
			out = append(out, s)
		}
		return out
	}
	return []any{v}
}

func textValue(v any) string {
	if isUnset(v) {
		return ""
	}
	return fmt.Sprint(v)
}
