package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaylist/internal/orm"
	"github.com/agentworkforce/relaylist/internal/ormstore"
)

const (
	rpcCodeParseError     = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeServerError    = 200
)

const envelopeSchema = `{
	"type": "object",
	"required": ["jsonrpc", "method", "params"],
	"properties": {
		"jsonrpc": {"const": "2.0"},
		"method": {"const": "call"},
		"id": {"type": ["string", "integer", "null"]}
	}
}`

const callKWParamsSchema = `{
	"type": "object",
	"required": ["model", "method"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"method": {"type": "string", "minLength": 1, "pattern": "^[a-z_][a-z0-9_]*$"},
		"args": {"type": "array"},
		"kwargs": {"type": "object"}
	}
}`

const resequenceParamsSchema = `{
	"type": "object",
	"required": ["model", "ids"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"ids": {"type": "array", "items": {"type": "integer", "minimum": 1}},
		"field": {"type": "string"},
		"offset": {"type": "integer"},
		"context": {"type": "object"}
	}
}`

type rpcSchemas struct {
	envelope   *jsonschema.Schema
	callKW     *jsonschema.Schema
	resequence *jsonschema.Schema
}

func compileRPCSchemas() (*rpcSchemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"envelope.json":   envelopeSchema,
		"call_kw.json":    callKWParamsSchema,
		"resequence.json": resequenceParamsSchema,
	}
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	var out rpcSchemas
	for name, dst := range map[string]**jsonschema.Schema{
		"envelope.json":   &out.envelope,
		"call_kw.json":    &out.callKW,
		"resequence.json": &out.resequence,
	} {
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = schema
	}
	return &out, nil
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params"`
}

type callKWParams struct {
	Model  string                     `json:"model"`
	Method string                     `json:"method"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

type rpcErrorData struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Debug   string `json:"debug,omitempty"`
}

type rpcErrorBody struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// decodeEnvelope validates the JSON-RPC envelope and its params against
// paramsSchema before decoding the params into dst.
func (s *rpcSchemas) decodeEnvelope(body []byte, paramsSchema *jsonschema.Schema, dst any) (json.RawMessage, *rpcErrorBody) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &rpcErrorBody{Code: rpcCodeParseError, Message: "Parse error", Data: rpcErrorData{Name: "ParseError", Message: err.Error()}}
	}
	if err := s.envelope.Validate(inst); err != nil {
		return nil, invalidRequest(err)
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalidRequest(err)
	}
	params := inst.(map[string]any)["params"]
	if err := paramsSchema.Validate(params); err != nil {
		return req.ID, invalidRequest(err)
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return req.ID, invalidRequest(err)
	}
	return req.ID, nil
}

func invalidRequest(err error) *rpcErrorBody {
	return &rpcErrorBody{
		Code:    rpcCodeInvalidRequest,
		Message: "Invalid Request",
		Data:    rpcErrorData{Name: "InvalidRequest", Message: err.Error()},
	}
}

// rpcErrorFor maps store errors to the exception names clients match on.
func rpcErrorFor(err error) *rpcErrorBody {
	name := "ServerError"
	switch {
	case errors.Is(err, orm.ErrMissingRecord):
		name = orm.ExceptionMissing
	case errors.Is(err, orm.ErrValidation), errors.Is(err, ormstore.ErrInvalidInput):
		name = orm.ExceptionValidation
	case errors.Is(err, orm.ErrUserError):
		name = orm.ExceptionUser
	case errors.Is(err, orm.ErrAccessDenied):
		name = orm.ExceptionAccess
	case errors.Is(err, ormstore.ErrUnknownModel):
		name = "KeyError"
	case errors.Is(err, ormstore.ErrNotImplemented):
		name = "NotImplementedError"
	}
	return &rpcErrorBody{
		Code:    rpcCodeServerError,
		Message: "Server Error",
		Data:    rpcErrorData{Name: name, Message: err.Error()},
	}
}
