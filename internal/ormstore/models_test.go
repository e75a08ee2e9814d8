package ormstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRegistryNormalizesModels(t *testing.T) {
	registry := testRegistry(t)

	task, ok := registry.Models["project.task"]
	if !ok {
		t.Fatalf("expected project.task model")
	}
	if task.Name != "project.task" || task.RecName != "name" {
		t.Fatalf("unexpected model header: %+v", task)
	}
	if field := task.Fields["id"]; field.Type != FieldInteger || !field.Readonly {
		t.Fatalf("expected implicit readonly id field, got %+v", field)
	}
	if field := task.Fields["display_name"]; !field.Readonly {
		t.Fatalf("expected implicit readonly display_name field, got %+v", field)
	}
	if field := task.Fields["stage_id"]; field.Type != FieldMany2One || field.Relation != "project.task.type" {
		t.Fatalf("unexpected stage field: %+v", field)
	}
	info := task.fieldInfo()
	if info["name"].String != "Task" || info["priority"].String != "priority" {
		t.Fatalf("expected labels with fallback to field name, got %+v", info)
	}
	stored := task.storedFields()
	for _, name := range stored {
		if name == "id" || name == "display_name" {
			t.Fatalf("expected computed fields excluded from stored fields, got %v", stored)
		}
	}
}

func TestParseRegistryRejectsInvalidModels(t *testing.T) {
	cases := map[string]string{
		"many2one without relation": `
models:
  a:
    fields:
      b: {type: many2one}
`,
		"unknown relation": `
models:
  a:
    fields:
      b: {type: many2one, relation: missing}
`,
		"order on unknown field": `
models:
  a:
    order: rank desc
    fields:
      name: {type: char}
`,
		"malformed yaml": "models: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRegistry([]byte(doc)); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input error, got %v", err)
			}
		})
	}
}

func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(testModelsYAML), 0o644); err != nil {
		t.Fatalf("write models file failed: %v", err)
	}
	registry, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry failed: %v", err)
	}
	names := registry.Names()
	if len(names) != 2 || names[0] != "project.task" {
		t.Fatalf("unexpected model names: %v", names)
	}
	if _, err := registry.model("res.users"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected unknown model error, got %v", err)
	}
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}
