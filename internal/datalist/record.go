package datalist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/relaylist/internal/orm"
)

type Mode string

const (
	ModeReadonly Mode = "readonly"
	ModeEdit     Mode = "edit"
)

// Field describes how the list treats one field of its model.
type Field struct {
	Type     string
	Relation string
	Readonly bool
	Required bool
	// ReadonlyIf and RequiredIf are per-record modifiers evaluated against
	// the record values; they add to the static flags.
	ReadonlyIf func(values orm.Values) bool
	RequiredIf func(values orm.Values) bool
	// Handle marks the manual sort key used by drag and drop.
	Handle bool
}

func (f Field) readonlyFor(values orm.Values) bool {
	return f.Readonly || (f.ReadonlyIf != nil && f.ReadonlyIf(values))
}

func (f Field) requiredFor(values orm.Values) bool {
	return f.Required || (f.RequiredIf != nil && f.RequiredIf(values))
}

// DataPoint is an element of a list that can be resequenced: a record or a
// group.
type DataPoint interface {
	ID() string
	ResID() int64
	FieldValue(name string) any
	applyServerValues(values orm.Values)
}

// recordSchema is shared by all records of one list.
type recordSchema struct {
	resModel   string
	fields     map[string]Field
	fieldNames []string
	context    orm.Context
}

type Record struct {
	model  *Model
	schema *recordSchema
	id     string

	mu       sync.RWMutex
	resID    int64
	data     orm.Values
	changes  orm.Values
	mode     Mode
	selected bool
	invalid  map[string]struct{}
}

func newRecord(m *Model, schema *recordSchema, values orm.Values, mode Mode) *Record {
	r := &Record{
		model:   m,
		schema:  schema,
		id:      m.nextDataPointID(),
		data:    orm.Values{},
		changes: orm.Values{},
		mode:    mode,
		invalid: map[string]struct{}{},
	}
	r.applyValues(values)
	return r
}

func (r *Record) ID() string {
	return r.id
}

func (r *Record) ResModel() string {
	return r.schema.resModel
}

// ResID is the server id, zero while the record has never been saved.
func (r *Record) ResID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resID
}

func (r *Record) IsNew() bool {
	return r.ResID() == 0
}

func (r *Record) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.changes) > 0
}

func (r *Record) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

func (r *Record) IsInEdition() bool {
	return r.Mode() == ModeEdit
}

func (r *Record) Selected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

func (r *Record) ToggleSelection(selected bool) {
	r.mu.Lock()
	r.selected = selected
	r.mu.Unlock()
}

// FieldValue returns the pending value of a field if it was changed, the
// server value otherwise.
func (r *Record) FieldValue(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if value, ok := r.changes[name]; ok {
		return value
	}
	return r.data[name]
}

// Values returns server values overlaid with pending changes.
func (r *Record) Values() orm.Values {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valuesLocked()
}

func (r *Record) valuesLocked() orm.Values {
	out := r.data.Clone()
	for key, value := range r.changes {
		out[key] = value
	}
	return out
}

// Changes returns the pending changes not yet written to the server.
func (r *Record) Changes() orm.Values {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changes.Clone()
}

// Update records pending changes. Values equal to the server value are
// dropped from the change set.
func (r *Record) Update(changes orm.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, value := range changes {
		if name == "id" {
			continue
		}
		delete(r.invalid, name)
		if current, ok := r.data[name]; ok && r.resID != 0 && sameValue(current, value) {
			delete(r.changes, name)
			continue
		}
		r.changes[name] = value
	}
}

// SetInvalidField flags a field whose input could not be parsed.
func (r *Record) SetInvalidField(name string) {
	r.mu.Lock()
	r.invalid[name] = struct{}{}
	r.mu.Unlock()
}

// InvalidFields lists the fields that failed the last validity check.
func (r *Record) InvalidFields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.invalid))
	for name := range r.invalid {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckValidity flags required fields left empty and reports whether the
// record has no invalid field.
func (r *Record) CheckValidity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := r.valuesLocked()
	for name, field := range r.schema.fields {
		if !field.requiredFor(values) || field.readonlyFor(values) {
			continue
		}
		if orm.IsEmpty(values[name]) && field.Type != "boolean" {
			r.invalid[name] = struct{}{}
		}
	}
	return len(r.invalid) == 0
}

// Discard drops pending changes and invalid markers.
func (r *Record) Discard() {
	r.mu.Lock()
	r.changes = orm.Values{}
	r.invalid = map[string]struct{}{}
	r.mu.Unlock()
}

// Save writes pending changes through the model mutex.
func (r *Record) Save(ctx context.Context) (bool, error) {
	return execValue(ctx, r.model.mutex, r.save)
}

func (r *Record) save(ctx context.Context) (bool, error) {
	isNew := r.IsNew()
	if !isNew && !r.IsDirty() {
		return true, nil
	}
	resModel := r.schema.resModel
	kwctx := r.schema.context
	if isNew {
		values := r.Values()
		delete(values, "id")
		id, err := r.model.orm.Create(ctx, resModel, values, kwctx)
		if err != nil {
			return false, err
		}
		if id <= 0 {
			return false, fmt.Errorf("%w: create returned id %d", ErrWriteRejected, id)
		}
		r.mu.Lock()
		r.resID = id
		r.mu.Unlock()
	} else {
		ok, err := r.model.orm.Write(ctx, resModel, []int64{r.ResID()}, r.Changes(), kwctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	records, err := r.model.orm.Read(ctx, resModel, []int64{r.ResID()}, r.schema.fieldNames, kwctx)
	if err != nil {
		return false, err
	}
	r.Discard()
	if len(records) > 0 {
		r.applyValues(records[0])
	}
	r.model.logger.Debug("record.saved", "model", resModel, "id", r.ResID(), "created", isNew)
	return true, nil
}

func (r *Record) switchMode(mode Mode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

// applyValues merges server values; pending changes keep precedence.
func (r *Record) applyValues(values orm.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range values {
		if key == "id" {
			if id, ok := orm.AsInt64(value); ok {
				r.resID = id
			}
			continue
		}
		r.data[key] = value
	}
}

func (r *Record) applyServerValues(values orm.Values) {
	r.applyValues(values)
}

func sameValue(a, b any) bool {
	if ai, ok := orm.AsInt64(a); ok {
		if bi, ok := orm.AsInt64(b); ok {
			return ai == bi
		}
	}
	switch a.(type) {
	case nil, bool, string, float64:
		return a == b
	}
	return false
}
