package orm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Exception names carried in the data.name member of a JSON-RPC error.
const (
	ExceptionMissing    = "MissingError"
	ExceptionValidation = "ValidationError"
	ExceptionAccess     = "AccessError"
	ExceptionUser       = "UserError"
)

var (
	ErrMissingRecord = errors.New("missing record")
	ErrValidation    = errors.New("validation error")
	ErrAccessDenied  = errors.New("access denied")
	ErrUserError     = errors.New("user error")
)

type RPCError struct {
	Code    int
	Message string
	Name    string
	Detail  string
	Debug   string
}

func (e *RPCError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rpc %s: %s", e.Name, e.Detail)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	switch e.Name {
	case ExceptionMissing:
		return target == ErrMissingRecord
	case ExceptionValidation:
		return target == ErrValidation
	case ExceptionAccess:
		return target == ErrAccessDenied
	case ExceptionUser:
		return target == ErrUserError
	}
	return false
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Values maps field names to their wire values.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for key, value := range v {
		out[key] = value
	}
	return out
}

type Context map[string]any

// Domain is a filter in prefix notation: leaves are [field, operator, value]
// triples, and "&", "|", "!" combine the terms that follow them.
type Domain []any

type OrderTerm struct {
	Name string `json:"name" yaml:"name"`
	Asc  bool   `json:"asc" yaml:"asc"`
}

func FormatOrder(terms []OrderTerm) string {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		name := strings.TrimSpace(term.Name)
		if name == "" {
			continue
		}
		if term.Asc {
			parts = append(parts, name+" ASC")
		} else {
			parts = append(parts, name+" DESC")
		}
	}
	return strings.Join(parts, ", ")
}

func ParseOrder(raw string) []OrderTerm {
	var terms []OrderTerm
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		term := OrderTerm{Name: fields[0], Asc: true}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			term.Asc = false
		}
		terms = append(terms, term)
	}
	return terms
}

type SearchOptions struct {
	Offset  int
	Limit   int
	Order   string
	Context Context
}

type SearchReadRequest struct {
	Domain  Domain
	Fields  []string
	Offset  int
	Limit   int
	Order   string
	Context Context
}

type SearchReadResult struct {
	Length  int      `json:"length"`
	Records []Values `json:"records"`
}

type ReadGroupRequest struct {
	Domain  Domain
	Fields  []string
	GroupBy []string
	Offset  int
	Limit   int
	OrderBy string
	Lazy    bool
	Context Context
}

type ReadGroupResult struct {
	Length int      `json:"length"`
	Groups []Values `json:"groups"`
}

type FieldInfo struct {
	Type     string `json:"type"`
	String   string `json:"string,omitempty"`
	Relation string `json:"relation,omitempty"`
	Readonly bool   `json:"readonly,omitempty"`
	Required bool   `json:"required,omitempty"`
}

type ResequenceParams struct {
	Model   string  `json:"model"`
	IDs     []int64 `json:"ids"`
	Field   string  `json:"field"`
	Offset  *int64  `json:"offset,omitempty"`
	Context Context `json:"context,omitempty"`
}

type ChangeEvent struct {
	EventID   string  `json:"eventId"`
	Model     string  `json:"model"`
	IDs       []int64 `json:"ids"`
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// Client is the ORM surface of a data backend.
type Client interface {
	Search(ctx context.Context, model string, domain Domain, opts SearchOptions) ([]int64, error)
	SearchCount(ctx context.Context, model string, domain Domain, kwctx Context) (int, error)
	Read(ctx context.Context, model string, ids []int64, fields []string, kwctx Context) ([]Values, error)
	Write(ctx context.Context, model string, ids []int64, changes Values, kwctx Context) (bool, error)
	Create(ctx context.Context, model string, values Values, kwctx Context) (int64, error)
	Unlink(ctx context.Context, model string, ids []int64, kwctx Context) (bool, error)
	Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error)
	WebSearchRead(ctx context.Context, model string, req SearchReadRequest) (SearchReadResult, error)
	WebReadGroup(ctx context.Context, model string, req ReadGroupRequest) (ReadGroupResult, error)
	FieldsGet(ctx context.Context, model string, kwctx Context) (map[string]FieldInfo, error)
}

// Resequencer assigns contiguous handle values to ids in the given order.
type Resequencer interface {
	Resequence(ctx context.Context, params ResequenceParams) (bool, error)
}

// AsInt64 converts a decoded JSON number to an integer. Non-integral and
// non-numeric values report false.
func AsInt64(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) || typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Many2OneID extracts the id from a many2one value, either a bare id or an
// [id, display_name] pair. False and empty values report false.
func Many2OneID(v any) (int64, bool) {
	if pair, ok := v.([]any); ok {
		if len(pair) == 0 {
			return 0, false
		}
		return AsInt64(pair[0])
	}
	if b, ok := v.(bool); ok && !b {
		return 0, false
	}
	id, ok := AsInt64(v)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsEmpty reports whether a value counts as unset: nil, false, zero, an empty
// string or an empty list.
func IsEmpty(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case bool:
		return !typed
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case []int64:
		return len(typed) == 0
	}
	if n, ok := AsInt64(v); ok {
		return n == 0
	}
	if f, ok := v.(float64); ok {
		return f == 0
	}
	return false
}
