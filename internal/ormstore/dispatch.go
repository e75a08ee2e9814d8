package ormstore

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relaylist/internal/orm"
)

var readMethods = map[string]bool{
	"search":          true,
	"search_count":    true,
	"search_read":     true,
	"read":            true,
	"default_get":     true,
	"fields_get":      true,
	"web_search_read": true,
	"web_read_group":  true,
}

// IsReadMethod reports whether a model method leaves records untouched.
func IsReadMethod(method string) bool {
	return readMethods[method]
}

// callArgs resolves a parameter either by position or by keyword, keyword
// first.
type callArgs struct {
	args   []json.RawMessage
	kwargs map[string]json.RawMessage
}

func (c callArgs) decode(pos int, name string, out any) (bool, error) {
	raw, ok := c.kwargs[name]
	if !ok && pos >= 0 && pos < len(c.args) {
		raw, ok = c.args[pos], true
	}
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: argument %s: %v", orm.ErrValidation, name, err)
	}
	return true, nil
}

func (c callArgs) required(pos int, name string, out any) error {
	found, err := c.decode(pos, name, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: missing argument %s", orm.ErrValidation, name)
	}
	return nil
}

func (c callArgs) context() (orm.Context, error) {
	var kwctx orm.Context
	if _, err := c.decode(-1, "context", &kwctx); err != nil {
		return nil, err
	}
	return kwctx, nil
}

// searchParams decodes the domain, first positional argument, and the
// paging keywords.
func (c callArgs) searchParams() (orm.Domain, orm.SearchOptions, error) {
	var domain orm.Domain
	var opts orm.SearchOptions
	if _, err := c.decode(0, "domain", &domain); err != nil {
		return nil, opts, err
	}
	if _, err := c.decode(-1, "offset", &opts.Offset); err != nil {
		return nil, opts, err
	}
	if _, err := c.decode(-1, "limit", &opts.Limit); err != nil {
		return nil, opts, err
	}
	if _, err := c.decode(-1, "order", &opts.Order); err != nil {
		return nil, opts, err
	}
	kwctx, err := c.context()
	if err != nil {
		return nil, opts, err
	}
	opts.Context = kwctx
	return domain, opts, nil
}

// CallKW runs a model method the way the call_kw endpoint receives it. The
// result is ready to be encoded as the JSON-RPC result.
func (s *Store) CallKW(model, method string, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
	c := callArgs{args: args, kwargs: kwargs}
	kwctx, err := c.context()
	if err != nil {
		return nil, err
	}
	switch method {
	case "search":
		domain, opts, err := c.searchParams()
		if err != nil {
			return nil, err
		}
		return s.Search(model, domain, opts)
	case "search_count":
		var domain orm.Domain
		if _, err := c.decode(0, "domain", &domain); err != nil {
			return nil, err
		}
		return s.SearchCount(model, domain, kwctx)
	case "search_read", "web_search_read":
		domain, opts, err := c.searchParams()
		if err != nil {
			return nil, err
		}
		var fields []string
		if _, err := c.decode(1, "fields", &fields); err != nil {
			return nil, err
		}
		result, err := s.WebSearchRead(model, orm.SearchReadRequest{
			Domain:  domain,
			Fields:  fields,
			Offset:  opts.Offset,
			Limit:   opts.Limit,
			Order:   opts.Order,
			Context: kwctx,
		})
		if err != nil {
			return nil, err
		}
		if method == "search_read" {
			return result.Records, nil
		}
		return result, nil
	case "read":
		var ids []int64
		var fields []string
		if err := c.required(0, "ids", &ids); err != nil {
			return nil, err
		}
		if _, err := c.decode(1, "fields", &fields); err != nil {
			return nil, err
		}
		return s.Read(model, ids, fields)
	case "write":
		var ids []int64
		var vals orm.Values
		if err := c.required(0, "ids", &ids); err != nil {
			return nil, err
		}
		if err := c.required(1, "vals", &vals); err != nil {
			return nil, err
		}
		return s.Write(model, ids, vals)
	case "create":
		var vals orm.Values
		if err := c.required(0, "vals", &vals); err != nil {
			return nil, err
		}
		return s.Create(model, vals)
	case "unlink":
		var ids []int64
		if err := c.required(0, "ids", &ids); err != nil {
			return nil, err
		}
		return s.Unlink(model, ids)
	case "action_archive", "action_unarchive":
		var ids []int64
		if err := c.required(0, "ids", &ids); err != nil {
			return nil, err
		}
		var action map[string]any
		if method == "action_archive" {
			action, err = s.ActionArchive(model, ids)
		} else {
			action, err = s.ActionUnarchive(model, ids)
		}
		if err != nil || action == nil {
			return false, err
		}
		return action, nil
	case "default_get":
		var fields []string
		if _, err := c.decode(0, "fields", &fields); err != nil {
			return nil, err
		}
		return s.DefaultGet(model, fields, kwctx)
	case "fields_get":
		return s.FieldsGet(model)
	case "web_read_group":
		var req orm.ReadGroupRequest
		if _, err := c.decode(0, "domain", &req.Domain); err != nil {
			return nil, err
		}
		for _, p := range []struct {
			name string
			out  any
		}{
			{"fields", &req.Fields},
			{"groupby", &req.GroupBy},
			{"offset", &req.Offset},
			{"limit", &req.Limit},
			{"orderby", &req.OrderBy},
			{"lazy", &req.Lazy},
		} {
			if _, err := c.decode(-1, p.name, p.out); err != nil {
				return nil, err
			}
		}
		req.Context = kwctx
		return s.WebReadGroup(model, req)
	default:
		return nil, fmt.Errorf("%w: method %s on %s", ErrNotImplemented, method, model)
	}
}
