// Package listctl drives a datalist.DynamicList from a terminal: it loads
// view definitions, renders lists, answers dialogs on a prompt and mirrors a
// list into a local snapshot file that follows server changes.
package listctl

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/orm"
)

type FieldView struct {
	Type     string `yaml:"type"`
	Relation string `yaml:"relation"`
	Readonly bool   `yaml:"readonly"`
	Required bool   `yaml:"required"`
	Handle   bool   `yaml:"handle"`
}

// View describes one list: the model, the displayed fields in column order
// and the initial domain, order and paging.
type View struct {
	Model       string               `yaml:"model"`
	Columns     []string             `yaml:"columns"`
	Fields      map[string]FieldView `yaml:"fields"`
	Domain      []any                `yaml:"domain"`
	Order       string               `yaml:"order"`
	Limit       int                  `yaml:"limit"`
	Offset      int                  `yaml:"offset"`
	GroupBy     string               `yaml:"groupBy"`
	HandleField string               `yaml:"handleField"`
	MultiEdit   bool                 `yaml:"multiEdit"`
	Context     map[string]any       `yaml:"context"`
}

func LoadView(path string) (View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return View{}, err
	}
	return ParseView(data)
}

func ParseView(data []byte) (View, error) {
	var view View
	if err := yaml.Unmarshal(data, &view); err != nil {
		return View{}, fmt.Errorf("parse view: %w", err)
	}
	view.Model = strings.TrimSpace(view.Model)
	if view.Model == "" {
		return View{}, fmt.Errorf("parse view: model is required")
	}
	for _, column := range view.Columns {
		if _, ok := view.Fields[column]; !ok {
			if view.Fields == nil {
				view.Fields = map[string]FieldView{}
			}
			view.Fields[column] = FieldView{Type: "char"}
		}
	}
	if len(view.Columns) == 0 {
		for name := range view.Fields {
			view.Columns = append(view.Columns, name)
		}
		sort.Strings(view.Columns)
	}
	return view, nil
}

// ListConfig converts the view into a list configuration. YAML sequences in
// the domain become orm domain leaves.
func (v View) ListConfig() datalist.Config {
	fields := make(map[string]datalist.Field, len(v.Fields))
	for name, field := range v.Fields {
		fields[name] = datalist.Field{
			Type:     field.Type,
			Relation: field.Relation,
			Readonly: field.Readonly,
			Required: field.Required,
			Handle:   field.Handle,
		}
	}
	cfg := datalist.Config{
		ResModel:    v.Model,
		Fields:      fields,
		Domain:      toDomain(v.Domain),
		OrderBy:     orm.ParseOrder(v.Order),
		Limit:       v.Limit,
		Offset:      v.Offset,
		Context:     orm.Context(v.Context),
		HandleField: v.HandleField,
		MultiEdit:   v.MultiEdit,
	}
	if v.GroupBy != "" {
		cfg.GroupBy = []string{v.GroupBy}
	}
	return cfg
}

func toDomain(raw []any) orm.Domain {
	domain := make(orm.Domain, 0, len(raw))
	for _, item := range raw {
		domain = append(domain, normalizeYAML(item))
	}
	return domain
}

// normalizeYAML turns yaml.v3 maps into string-keyed maps so values survive
// JSON encoding.
func normalizeYAML(v any) any {
	switch typed := v.(type) {
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeYAML(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[fmt.Sprint(key)] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
