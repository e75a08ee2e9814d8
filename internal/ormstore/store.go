package ormstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaylist/internal/orm"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownModel   = errors.New("unknown model")
	ErrNotImplemented = errors.New("not implemented")
)

// Change event types.
const (
	EventCreate     = "create"
	EventWrite      = "write"
	EventUnlink     = "unlink"
	EventResequence = "resequence"
	EventArchive    = "archive"
	EventUnarchive  = "unarchive"
)

type BackendStatus struct {
	BackendProfile  string   `json:"backendProfile,omitempty"`
	StateBackend    string   `json:"stateBackend"`
	EventQueue      string   `json:"eventQueue"`
	EventQueueDepth int      `json:"eventQueueDepth"`
	EventQueueCap   int      `json:"eventQueueCapacity"`
	DroppedEvents   uint64   `json:"droppedEvents"`
	Models          []string `json:"models"`
}

type StoreOptions struct {
	Registry       *Registry
	StateBackend   StateBackend
	EventQueue     EventQueue
	EventQueueSize int
	BackendProfile string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Store is an in-memory ORM over the models of a Registry. Every mutation is
// persisted through the state backend and announced on the event queue.
type Store struct {
	mu             sync.RWMutex
	registry       *Registry
	models         map[string]*modelState
	eventCounter   uint64
	stateBackend   StateBackend
	eventQueue     EventQueue
	backendProfile string
	logger         *slog.Logger
	now            func() time.Time
	droppedEvents  atomic.Uint64
	closeOnce      sync.Once
}

func NewStore(opts StoreOptions) (*Store, error) {
	registry := opts.Registry
	if registry == nil {
		registry = &Registry{}
		if err := registry.normalize(); err != nil {
			return nil, err
		}
	}
	queue := opts.EventQueue
	if queue == nil {
		queue = NewInMemoryEventQueue(opts.EventQueueSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		registry:       registry,
		models:         map[string]*modelState{},
		stateBackend:   opts.StateBackend,
		eventQueue:     queue,
		backendProfile: opts.BackendProfile,
		logger:         logger,
		now:            now,
	}
	if err := s.loadState(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	seeded, err := s.seedLocked()
	if err != nil {
		return nil, err
	}
	if seeded {
		if err := s.saveLocked(); err != nil {
			return nil, fmt.Errorf("save seeded state: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.eventQueue != nil {
			_ = s.eventQueue.Close()
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// ReloadModels swaps the model definitions. Records of models that already
// exist are kept; new models get their seed records.
func (s *Store) ReloadModels(registry *Registry) error {
	if registry == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = registry
	seeded, err := s.seedLocked()
	if err != nil {
		return err
	}
	for name, state := range s.models {
		if def, ok := registry.Models[name]; ok {
			for id, row := range state.Records {
				state.Records[id] = normalizeRow(def, row)
			}
		}
	}
	if seeded {
		s.persistLocked()
	}
	s.logger.Info("models reloaded", "models", registry.Names())
	return nil
}

func (s *Store) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *Store) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Names()
}

func (s *Store) FieldsGet(model string) (map[string]orm.FieldInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, err := s.registry.model(model)
	if err != nil {
		return nil, err
	}
	return def.fieldInfo(), nil
}

func (s *Store) Search(model string, domain orm.Domain, opts orm.SearchOptions) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rows, err := s.filterLocked(model, domain, opts.Order, opts.Context)
	if err != nil {
		return nil, err
	}
	rows = page(rows, opts.Offset, opts.Limit)
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, rowID(row))
	}
	return ids, nil
}

func (s *Store) SearchCount(model string, domain orm.Domain, kwctx orm.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, rows, err := s.filterLocked(model, domain, "id", kwctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Read returns the records in the order of ids. Unknown field names are
// ignored; an empty field list reads every field.
func (s *Store) Read(model string, ids []int64, fields []string) ([]orm.Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, err := s.registry.model(model)
	if err != nil {
		return nil, err
	}
	out := make([]orm.Values, 0, len(ids))
	for _, id := range ids {
		row, ok := s.recordLocked(model, id)
		if !ok {
			return nil, fmt.Errorf("%w: %s(%d)", orm.ErrMissingRecord, model, id)
		}
		out = append(out, s.renderLocked(def, row, fields))
	}
	return out, nil
}

func (s *Store) WebSearchRead(model string, req orm.SearchReadRequest) (orm.SearchReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, rows, err := s.filterLocked(model, req.Domain, req.Order, req.Context)
	if err != nil {
		return orm.SearchReadResult{}, err
	}
	result := orm.SearchReadResult{Length: len(rows), Records: []orm.Values{}}
	for _, row := range page(rows, req.Offset, req.Limit) {
		result.Records = append(result.Records, s.renderLocked(def, row, req.Fields))
	}
	return result, nil
}

// WebReadGroup groups the matching records by one field. Only the first
// groupby entry is honored; many2one groups follow the order of the related
// model.
func (s *Store) WebReadGroup(model string, req orm.ReadGroupRequest) (orm.ReadGroupResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(req.GroupBy) == 0 {
		return orm.ReadGroupResult{}, fmt.Errorf("%w: web_read_group needs a groupby", orm.ErrValidation)
	}
	groupBy := req.GroupBy[0]
	def, rows, err := s.filterLocked(model, req.Domain, "", req.Context)
	if err != nil {
		return orm.ReadGroupResult{}, err
	}
	field, ok := def.Fields[groupBy]
	if !ok {
		return orm.ReadGroupResult{}, fmt.Errorf("%w: group by unknown field %s.%s", orm.ErrValidation, model, groupBy)
	}

	type bucket struct {
		key   any
		count int
	}
	var buckets []*bucket
	byKey := map[string]*bucket{}
	for _, row := range rows {
		key := row[groupBy]
		if isUnset(key) {
			key = false
		}
		k := fmt.Sprint(key)
		b, ok := byKey[k]
		if !ok {
			b = &bucket{key: key}
			byKey[k] = b
			buckets = append(buckets, b)
		}
		b.count++
	}

	rank := s.groupRankLocked(field)
	desc := false
	for _, term := range orm.ParseOrder(req.OrderBy) {
		if term.Name == groupBy {
			desc = !term.Asc
			break
		}
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		c := compareValues(rank(buckets[i].key), rank(buckets[j].key))
		if desc {
			return c > 0
		}
		return c < 0
	})

	result := orm.ReadGroupResult{Length: len(buckets), Groups: []orm.Values{}}
	var foldDef *ModelDef
	if field.Type == FieldMany2One {
		foldDef = s.registry.Models[field.Relation]
	}
	for _, b := range page(buckets, req.Offset, req.Limit) {
		group := orm.Values{
			groupBy + "_count": b.count,
			"__domain":         append(append(orm.Domain{}, req.Domain...), []any{groupBy, "=", b.key}),
		}
		if field.Type == FieldMany2One {
			group[groupBy] = s.many2oneLocked(field.Relation, b.key)
			group["__fold"] = false
			if id, ok := orm.Many2OneID(b.key); ok && foldDef != nil && foldDef.hasField("fold") {
				if row, ok := s.recordLocked(field.Relation, id); ok {
					group["__fold"] = row["fold"] == true
				}
			}
		} else {
			group[groupBy] = b.key
		}
		result.Groups = append(result.Groups, group)
	}
	return result, nil
}

// groupRankLocked maps a group key to a sortable value: the position of the
// related record for many2one fields, the key itself otherwise.
func (s *Store) groupRankLocked(field FieldDef) func(any) any {
	if field.Type != FieldMany2One {
		return func(key any) any { return key }
	}
	positions := map[int64]int64{}
	if def, ok := s.registry.Models[field.Relation]; ok {
		rows := s.rowsLocked(field.Relation)
		if err := sortRows(def, rows, ""); err == nil {
			for i, row := range rows {
				positions[rowID(row)] = int64(i + 1)
			}
		}
	}
	return func(key any) any {
		id, ok := orm.Many2OneID(key)
		if !ok {
			return false
		}
		if pos, ok := positions[id]; ok {
			return pos
		}
		return int64(len(positions) + 1)
	}
}

// DefaultGet returns the defaults of the requested fields. A default_<field>
// key in the context overrides the model default.
func (s *Store) DefaultGet(model string, fields []string, kwctx orm.Context) (orm.Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, err := s.registry.model(model)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = def.storedFields()
	}
	out := orm.Values{}
	for _, name := range fields {
		field, ok := def.Fields[name]
		if !ok || name == "id" || name == "display_name" {
			continue
		}
		value, has := kwctx["default_"+name]
		if !has {
			value, has = field.Default, field.Default != nil
		}
		if !has && name == "active" {
			value, has = true, true
		}
		if !has {
			continue
		}
		coerced, err := coerceValue(def, name, value)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func (s *Store) Create(model string, values orm.Values) (int64, error) {
	var id int64
	err := s.mutate(model, EventCreate, func(def *ModelDef, state *modelState) ([]int64, error) {
		row, err := s.newRowLocked(def, values)
		if err != nil {
			return nil, err
		}
		id = state.NextID
		state.NextID++
		row["id"] = id
		state.Records[id] = row
		return []int64{id}, nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) Write(model string, ids []int64, changes orm.Values) (bool, error) {
	err := s.mutate(model, EventWrite, func(def *ModelDef, state *modelState) ([]int64, error) {
		for _, id := range ids {
			if _, ok := state.Records[id]; !ok {
				return nil, fmt.Errorf("%w: %s(%d)", orm.ErrMissingRecord, model, id)
			}
		}
		coerced := orm.Values{}
		for name, value := range changes {
			field, ok := def.Fields[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown field %s.%s", orm.ErrValidation, model, name)
			}
			if field.Readonly {
				return nil, fmt.Errorf("%w: field %s.%s is readonly", orm.ErrValidation, model, name)
			}
			v, err := coerceValue(def, name, value)
			if err != nil {
				return nil, err
			}
			if missingRequired(field, v) {
				return nil, fmt.Errorf("%w: field %s.%s is required", orm.ErrValidation, model, name)
			}
			coerced[name] = v
		}
		if len(coerced) == 0 {
			return nil, nil
		}
		for _, id := range ids {
			row := state.Records[id]
			for name, v := range coerced {
				row[name] = v
			}
		}
		return ids, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlink deletes the records that exist and ignores the others.
func (s *Store) Unlink(model string, ids []int64) (bool, error) {
	err := s.mutate(model, EventUnlink, func(_ *ModelDef, state *modelState) ([]int64, error) {
		removed := make([]int64, 0, len(ids))
		for _, id := range ids {
			if _, ok := state.Records[id]; ok {
				delete(state.Records, id)
				removed = append(removed, id)
			}
		}
		return removed, nil
	})
	return err == nil, err
}

// ActionArchive clears active on the records and returns the model's
// archive action, nil when it has none.
func (s *Store) ActionArchive(model string, ids []int64) (map[string]any, error) {
	return s.setActive(model, ids, false)
}

func (s *Store) ActionUnarchive(model string, ids []int64) (map[string]any, error) {
	return s.setActive(model, ids, true)
}

func (s *Store) setActive(model string, ids []int64, active bool) (map[string]any, error) {
	eventType := EventArchive
	if active {
		eventType = EventUnarchive
	}
	var action map[string]any
	err := s.mutate(model, eventType, func(def *ModelDef, state *modelState) ([]int64, error) {
		if !def.hasField("active") {
			return nil, fmt.Errorf("%w: %s has no active field", orm.ErrUserError, model)
		}
		changed := make([]int64, 0, len(ids))
		for _, id := range ids {
			row, ok := state.Records[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s(%d)", orm.ErrMissingRecord, model, id)
			}
			if row["active"] != active {
				row["active"] = active
				changed = append(changed, id)
			}
		}
		action = def.ArchiveAction
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// Resequence assigns offset, offset+1, ... to field in the order of ids.
// It reports false when the model has no such field.
func (s *Store) Resequence(params orm.ResequenceParams) (bool, error) {
	var offset int64
	if params.Offset != nil {
		offset = *params.Offset
	}
	field := params.Field
	if field == "" {
		field = "sequence"
	}
	known := true
	err := s.mutate(params.Model, EventResequence, func(def *ModelDef, state *modelState) ([]int64, error) {
		if !def.hasField(field) || field == "id" {
			known = false
			return nil, nil
		}
		touched := make([]int64, 0, len(params.IDs))
		for i, id := range params.IDs {
			row, ok := state.Records[id]
			if !ok {
				continue
			}
			row[field] = offset + int64(i)
			touched = append(touched, id)
		}
		return touched, nil
	})
	if err != nil {
		return false, err
	}
	return known, nil
}

// NextEvent blocks until a change event is available or ctx ends.
func (s *Store) NextEvent(ctx context.Context) (orm.ChangeEvent, bool) {
	return s.eventQueue.Dequeue(ctx)
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   "none",
		EventQueue:     "none",
		DroppedEvents:  s.droppedEvents.Load(),
		Models:         s.registry.Names(),
	}
	if s.stateBackend != nil {
		status.StateBackend = fmt.Sprintf("%T", s.stateBackend)
	}
	if s.eventQueue != nil {
		status.EventQueue = fmt.Sprintf("%T", s.eventQueue)
		status.EventQueueDepth = s.eventQueue.Depth()
		status.EventQueueCap = s.eventQueue.Capacity()
	}
	return status
}

// mutate runs fn under the write lock, persists the state when fn touched
// records and publishes one change event for them.
func (s *Store) mutate(model, eventType string, fn func(def *ModelDef, state *modelState) ([]int64, error)) error {
	s.mu.Lock()
	def, err := s.registry.model(model)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ids, err := fn(def, s.stateLocked(model))
	if err != nil || len(ids) == 0 {
		s.mu.Unlock()
		return err
	}
	s.persistLocked()
	s.eventCounter++
	event := orm.ChangeEvent{
		EventID:   uuid.NewString(),
		Model:     model,
		IDs:       append([]int64(nil), ids...),
		Type:      eventType,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.Unlock()

	if !s.eventQueue.TryEnqueue(event) {
		dropped := s.droppedEvents.Add(1)
		s.logger.Warn("change event dropped", "model", model, "type", eventType, "dropped", dropped)
	}
	return nil
}

func (s *Store) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.logger.Error("persist state failed", "error", err)
	}
}

func (s *Store) filterLocked(model string, domain orm.Domain, order string, kwctx orm.Context) (*ModelDef, []orm.Values, error) {
	def, err := s.registry.model(model)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := compileDomain(def, domain, kwctx)
	if err != nil {
		return nil, nil, err
	}
	var rows []orm.Values
	for _, row := range s.rowsLocked(model) {
		if match(def, compiled, row) {
			rows = append(rows, row)
		}
	}
	if err := sortRows(def, rows, order); err != nil {
		return nil, nil, err
	}
	return def, rows, nil
}

func (s *Store) rowsLocked(model string) []orm.Values {
	state := s.models[model]
	if state == nil {
		return nil
	}
	rows := make([]orm.Values, 0, len(state.Records))
	for _, row := range state.Records {
		rows = append(rows, row)
	}
	return rows
}

func (s *Store) stateLocked(model string) *modelState {
	state, ok := s.models[model]
	if !ok {
		state = &modelState{NextID: 1, Records: map[int64]orm.Values{}}
		s.models[model] = state
	}
	return state
}

func (s *Store) renderLocked(def *ModelDef, row orm.Values, fields []string) orm.Values {
	if len(fields) == 0 {
		fields = make([]string, 0, len(def.Fields))
		for name := range def.Fields {
			fields = append(fields, name)
		}
	}
	out := orm.Values{"id": rowID(row)}
	for _, name := range fields {
		field, ok := def.Fields[name]
		if !ok || name == "id" {
			continue
		}
		switch {
		case name == "display_name":
			out[name] = displayName(def, row)
		case field.Type == FieldMany2One:
			out[name] = s.many2oneLocked(field.Relation, row[name])
		default:
			value, ok := row[name]
			if !ok {
				value = false
			}
			out[name] = value
		}
	}
	return out
}

// many2oneLocked renders a stored id as an [id, display_name] pair, or false
// when the related record does not exist.
func (s *Store) many2oneLocked(relation string, value any) any {
	id, ok := orm.Many2OneID(value)
	if !ok {
		return false
	}
	def, ok := s.registry.Models[relation]
	if !ok {
		return false
	}
	row, ok := s.recordLocked(relation, id)
	if !ok {
		return false
	}
	return []any{id, displayName(def, row)}
}

func (s *Store) recordLocked(model string, id int64) (orm.Values, bool) {
	state := s.models[model]
	if state == nil {
		return nil, false
	}
	row, ok := state.Records[id]
	return row, ok
}

func (s *Store) newRowLocked(def *ModelDef, values orm.Values) (orm.Values, error) {
	row := orm.Values{}
	for _, name := range def.storedFields() {
		field := def.Fields[name]
		switch {
		case field.Default != nil:
			v, err := coerceValue(def, name, field.Default)
			if err != nil {
				return nil, err
			}
			row[name] = v
		case name == "active":
			row[name] = true
		default:
			row[name] = false
		}
	}
	for name, value := range values {
		field, ok := def.Fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %s.%s", orm.ErrValidation, def.Name, name)
		}
		if field.Readonly {
			if isUnset(value) || name == "id" {
				continue
			}
			return nil, fmt.Errorf("%w: field %s.%s is readonly", orm.ErrValidation, def.Name, name)
		}
		v, err := coerceValue(def, name, value)
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	for _, name := range def.storedFields() {
		if missingRequired(def.Fields[name], row[name]) {
			return nil, fmt.Errorf("%w: field %s.%s is required", orm.ErrValidation, def.Name, name)
		}
	}
	return row, nil
}

// seedLocked creates the seed records of every model that has no state yet.
func (s *Store) seedLocked() (bool, error) {
	seeded := false
	for _, name := range s.registry.Names() {
		if _, ok := s.models[name]; ok {
			continue
		}
		def := s.registry.Models[name]
		state := s.stateLocked(name)
		for i, seed := range def.Records {
			values := orm.Values{}
			var id int64
			for key, value := range seed {
				if key == "id" {
					id, _ = orm.AsInt64(value)
					continue
				}
				values[key] = value
			}
			row, err := s.newRowLocked(def, values)
			if err != nil {
				return false, fmt.Errorf("seed %s record %d: %w", name, i+1, err)
			}
			if id <= 0 {
				id = state.NextID
			}
			if id >= state.NextID {
				state.NextID = id + 1
			}
			row["id"] = id
			state.Records[id] = row
		}
		seeded = true
	}
	return seeded, nil
}

func (s *Store) loadState() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.eventCounter = snapshot.EventCounter
	for name, state := range snapshot.Models {
		if state == nil {
			continue
		}
		if state.Records == nil {
			state.Records = map[int64]orm.Values{}
		}
		if state.NextID <= 0 {
			state.NextID = 1
		}
		if def, ok := s.registry.Models[name]; ok {
			for id, row := range state.Records {
				row = normalizeRow(def, row)
				row["id"] = id
				state.Records[id] = row
			}
		}
		s.models[name] = state
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{
		EventCounter: s.eventCounter,
		Models:       s.models,
	})
}

// normalizeRow restores stored representations after a JSON round trip,
// where every number comes back as a float.
func normalizeRow(def *ModelDef, row orm.Values) orm.Values {
	out := orm.Values{}
	for name, value := range row {
		if name == "id" {
			id, _ := orm.AsInt64(value)
			out[name] = id
			continue
		}
		if !def.hasField(name) {
			out[name] = value
			continue
		}
		if v, err := coerceValue(def, name, value); err == nil {
			out[name] = v
		} else {
			out[name] = value
		}
	}
	return out
}

func missingRequired(field FieldDef, value any) bool {
	if !field.Required || field.Type == FieldBoolean {
		return false
	}
	return isUnset(value) || value == ""
}

func displayName(def *ModelDef, row orm.Values) string {
	if name, ok := row[def.RecName].(string); ok && name != "" {
		return name
	}
	return fmt.Sprintf("%s,%d", def.Name, rowID(row))
}

func rowID(row orm.Values) int64 {
	id, _ := orm.AsInt64(row["id"])
	return id
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
