package ormstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relaylist/internal/orm"
)

// LocalClient serves the orm.Client surface from a Store in the same
// process, with the semantics of the HTTP endpoints.
type LocalClient struct {
	store *Store
}

var (
	_ orm.Client      = (*LocalClient)(nil)
	_ orm.Resequencer = (*LocalClient)(nil)
)

func NewLocalClient(store *Store) *LocalClient {
	return &LocalClient{store: store}
}

func (c *LocalClient) Search(ctx context.Context, model string, domain orm.Domain, opts orm.SearchOptions) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.Search(model, domain, opts)
}

func (c *LocalClient) SearchCount(ctx context.Context, model string, domain orm.Domain, kwctx orm.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.store.SearchCount(model, domain, kwctx)
}

func (c *LocalClient) Read(ctx context.Context, model string, ids []int64, fields []string, _ orm.Context) ([]orm.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.Read(model, ids, fields)
}

func (c *LocalClient) Write(ctx context.Context, model string, ids []int64, changes orm.Values, _ orm.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.store.Write(model, ids, changes)
}

func (c *LocalClient) Create(ctx context.Context, model string, values orm.Values, _ orm.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.store.Create(model, values)
}

func (c *LocalClient) Unlink(ctx context.Context, model string, ids []int64, _ orm.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.store.Unlink(model, ids)
}

// Call goes through the same argument decoding as the call_kw endpoint, so
// callers see wire-shaped results.
func (c *LocalClient) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rawArgs := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		rawArgs = append(rawArgs, data)
	}
	rawKwargs := make(map[string]json.RawMessage, len(kwargs))
	for name, value := range kwargs {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode argument %s: %w", name, err)
		}
		rawKwargs[name] = data
	}
	result, err := c.store.CallKW(model, method, rawArgs, rawKwargs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (c *LocalClient) WebSearchRead(ctx context.Context, model string, req orm.SearchReadRequest) (orm.SearchReadResult, error) {
	if err := ctx.Err(); err != nil {
		return orm.SearchReadResult{}, err
	}
	return c.store.WebSearchRead(model, req)
}

func (c *LocalClient) WebReadGroup(ctx context.Context, model string, req orm.ReadGroupRequest) (orm.ReadGroupResult, error) {
	if err := ctx.Err(); err != nil {
		return orm.ReadGroupResult{}, err
	}
	return c.store.WebReadGroup(model, req)
}

func (c *LocalClient) FieldsGet(ctx context.Context, model string, _ orm.Context) (map[string]orm.FieldInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.FieldsGet(model)
}

func (c *LocalClient) Resequence(ctx context.Context, params orm.ResequenceParams) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.store.Resequence(params)
}
