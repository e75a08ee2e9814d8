package ormstore

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const (
	FieldChar      = "char"
	FieldText      = "text"
	FieldInteger   = "integer"
	FieldFloat     = "float"
	FieldBoolean   = "boolean"
	FieldSelection = "selection"
	FieldMany2One  = "many2one"
	FieldDate      = "date"
	FieldDatetime  = "datetime"
)

// Registry is the set of models a Store serves, usually read from a YAML
// models file.
type Registry struct {
	Models map[string]*ModelDef `yaml:"models"`
}

type ModelDef struct {
	Name        string `yaml:"-"`
	Description string `yaml:"description"`
	// Order is the default order, "id" when empty.
	Order string `yaml:"order"`
	// RecName is the field used as display name, "name" when empty.
	RecName string `yaml:"recName"`
	// ArchiveAction is returned by action_archive and action_unarchive when
	// set, so clients open it instead of reloading.
	ArchiveAction map[string]any      `yaml:"archiveAction"`
	Fields        map[string]FieldDef `yaml:"fields"`
	Records       []map[string]any    `yaml:"records"`
}

type FieldDef struct {
	Type     string `yaml:"type"`
	String   string `yaml:"string"`
	Relation string `yaml:"relation"`
	Readonly bool   `yaml:"readonly"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: models file: %v", ErrInvalidInput, err)
	}
	if err := reg.normalize(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) normalize() error {
	if r.Models == nil {
		r.Models = map[string]*ModelDef{}
	}
	for name, def := range r.Models {
		if def == nil {
			def = &ModelDef{}
			r.Models[name] = def
		}
		def.Name = name
		if def.Fields == nil {
			def.Fields = map[string]FieldDef{}
		}
		for fieldName, field := range def.Fields {
			field.Type = strings.ToLower(strings.TrimSpace(field.Type))
			if field.Type == "" {
				field.Type = FieldChar
			}
			if field.Type == FieldMany2One && field.Relation == "" {
				return fmt.Errorf("%w: %s.%s: many2one without relation", ErrInvalidInput, name, fieldName)
			}
			def.Fields[fieldName] = field
		}
		if _, ok := def.Fields["id"]; !ok {
			def.Fields["id"] = FieldDef{Type: FieldInteger, String: "ID", Readonly: true}
		}
		if _, ok := def.Fields["display_name"]; !ok {
			def.Fields["display_name"] = FieldDef{Type: FieldChar, String: "Display Name", Readonly: true}
		}
		if def.RecName == "" {
			def.RecName = "name"
		}
		for _, term := range orm.ParseOrder(def.Order) {
			if _, ok := def.Fields[term.Name]; !ok {
				return fmt.Errorf("%w: %s: order on unknown field %s", ErrInvalidInput, name, term.Name)
			}
		}
	}
	for name, def := range r.Models {
		for fieldName, field := range def.Fields {
			if field.Relation != "" {
				if _, ok := r.Models[field.Relation]; !ok {
					return fmt.Errorf("%w: %s.%s: unknown relation %s", ErrInvalidInput, name, fieldName, field.Relation)
				}
			}
		}
	}
	return nil
}

func (r *Registry) model(name string) (*ModelDef, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	def, ok := r.Models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return def, nil
}

// Names returns the model names in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Models))
	for name := range r.Models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *ModelDef) hasField(name string) bool {
	_, ok := d.Fields[name]
	return ok
}

// storedFields are the fields kept in records; id and display_name are
// computed.
func (d *ModelDef) storedFields() []string {
	out := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		if name == "id" || name == "display_name" {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *ModelDef) defaultOrder() string {
	if strings.TrimSpace(d.Order) == "" {
		return "id"
	}
	return d.Order
}

func (d *ModelDef) fieldInfo() map[string]orm.FieldInfo {
	out := make(map[string]orm.FieldInfo, len(d.Fields))
	for name, field := range d.Fields {
		label := field.String
		if label == "" {
			label = name
		}
		out[name] = orm.FieldInfo{
			Type:     field.Type,
			String:   label,
			Relation: field.Relation,
			Readonly: field.Readonly,
			Required: field.Required,
		}
	}
	return out
}
