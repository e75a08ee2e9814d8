package datalist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaylist/internal/orm"
)

type Config struct {
	ResModel string
	Fields   map[string]Field
	Domain   orm.Domain
	OrderBy  []orm.OrderTerm
	Limit    int
	Offset   int
	Context  orm.Context
	// GroupBy groups the list by its first entry; nested grouping is not
	// supported.
	GroupBy     []string
	HandleField string
	MultiEdit   bool
}

// LoadParams overrides the list state for one load. Nil members keep the
// current value; a non-nil empty Domain matches every record.
type LoadParams struct {
	Limit   *int
	Offset  *int
	OrderBy []orm.OrderTerm
	Domain  orm.Domain
}

type DynamicList struct {
	model       *Model
	resModel    string
	schema      *recordSchema
	handleField string
	groupBy     string
	multiEdit   bool

	mu             sync.RWMutex
	domain         orm.Domain
	orderBy        []orm.OrderTerm
	limit          int
	offset         int
	count          int
	records        []*Record
	groups         []*Group
	domainSelected bool
	edited         *Record
}

func newDynamicList(m *Model, cfg Config) (*DynamicList, error) {
	resModel := strings.TrimSpace(cfg.ResModel)
	if resModel == "" {
		return nil, fmt.Errorf("%w: resModel is required", ErrInvalidConfig)
	}
	if len(cfg.GroupBy) > 1 {
		return nil, fmt.Errorf("%w: only one groupby level is supported", ErrInvalidConfig)
	}
	fields := make(map[string]Field, len(cfg.Fields)+1)
	handleField := strings.TrimSpace(cfg.HandleField)
	for name, field := range cfg.Fields {
		fields[name] = field
		if handleField == "" && field.Handle {
			handleField = name
		}
	}
	if handleField != "" {
		if _, ok := fields[handleField]; !ok {
			fields[handleField] = Field{Type: "integer", Handle: true}
		}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := cfg.Offset
	if offset < 0 {
		offset = 0
	}
	orderBy := append([]orm.OrderTerm(nil), cfg.OrderBy...)
	if len(orderBy) == 0 && handleField != "" {
		orderBy = []orm.OrderTerm{{Name: handleField, Asc: true}}
	}
	domain := append(orm.Domain{}, cfg.Domain...)
	kwctx := orm.Context{}
	for key, value := range cfg.Context {
		kwctx[key] = value
	}
	l := &DynamicList{
		model:       m,
		resModel:    resModel,
		handleField: handleField,
		multiEdit:   cfg.MultiEdit,
		schema: &recordSchema{
			resModel:   resModel,
			fields:     fields,
			fieldNames: names,
			context:    kwctx,
		},
		domain:  domain,
		orderBy: orderBy,
		limit:   limit,
		offset:  offset,
	}
	if len(cfg.GroupBy) == 1 {
		l.groupBy = strings.TrimSpace(cfg.GroupBy[0])
	}
	return l, nil
}

// afterRelease collects collaborator callbacks that must run once the model
// mutex is released.
type afterRelease struct {
	fns []func(ctx context.Context) error
}

func (a *afterRelease) add(fn func(ctx context.Context) error) {
	a.fns = append(a.fns, fn)
}

func (l *DynamicList) exec(ctx context.Context, fn func(ctx context.Context, after *afterRelease) error) error {
	var after afterRelease
	err := l.model.mutex.Exec(ctx, func(ctx context.Context) error {
		return fn(ctx, &after)
	})
	ctx = context.WithoutCancel(ctx)
	for _, callback := range after.fns {
		err = errors.Join(err, callback(ctx))
	}
	return err
}

func (l *DynamicList) ResModel() string {
	return l.resModel
}

func (l *DynamicList) HandleField() string {
	return l.handleField
}

func (l *DynamicList) CanResequence() bool {
	return l.handleField != ""
}

func (l *DynamicList) IsGrouped() bool {
	return l.groupBy != ""
}

func (l *DynamicList) GroupBy() string {
	return l.groupBy
}

func (l *DynamicList) Context() orm.Context {
	return l.schema.context
}

func (l *DynamicList) Domain() orm.Domain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append(orm.Domain{}, l.domain...)
}

func (l *DynamicList) OrderBy() []orm.OrderTerm {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]orm.OrderTerm(nil), l.orderBy...)
}

func (l *DynamicList) Limit() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit
}

func (l *DynamicList) Offset() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offset
}

// Count is the number of records (or groups) matching the domain on the
// server, not only the loaded ones.
func (l *DynamicList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Records returns the loaded records; for a grouped list, those of every
// unfolded group in group order.
func (l *DynamicList) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.groupBy == "" {
		return append([]*Record(nil), l.records...)
	}
	var out []*Record
	for _, g := range l.groups {
		out = append(out, g.Records()...)
	}
	return out
}

func (l *DynamicList) Groups() []*Group {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Group(nil), l.groups...)
}

func (l *DynamicList) Selection() []*Record {
	var out []*Record
	for _, rec := range l.Records() {
		if rec.Selected() {
			out = append(out, rec)
		}
	}
	return out
}

func (l *DynamicList) EditedRecord() *Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.edited
}

func (l *DynamicList) IsDomainSelected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.domainSelected
}

// Record finds a loaded record by data point id.
func (l *DynamicList) Record(id string) (*Record, bool) {
	for _, rec := range l.Records() {
		if rec.ID() == id {
			return rec, true
		}
	}
	return nil, false
}

func (l *DynamicList) Load(ctx context.Context, params LoadParams) error {
	return l.model.mutex.Exec(ctx, func(ctx context.Context) error {
		return l.load(ctx, params)
	})
}

func (l *DynamicList) load(ctx context.Context, params LoadParams) error {
	l.mu.RLock()
	limit, offset := l.limit, l.offset
	orderBy := l.orderBy
	domain := l.domain
	l.mu.RUnlock()
	if params.Limit != nil {
		limit = *params.Limit
	}
	if params.Offset != nil {
		offset = *params.Offset
	}
	if params.OrderBy != nil {
		orderBy = params.OrderBy
	}
	domainChanged := false
	if params.Domain != nil {
		domainChanged = !sameDomain(domain, params.Domain)
		domain = params.Domain
	}

	var (
		records []*Record
		groups  []*Group
		count   int
		err     error
	)
	if l.groupBy != "" {
		groups, count, err = l.fetchGroups(ctx, domain, orderBy, limit)
	} else {
		records, count, err = l.fetchRecords(ctx, domain, orderBy, limit, offset)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.limit, l.offset = limit, offset
	l.orderBy = append([]orm.OrderTerm(nil), orderBy...)
	l.domain = append(orm.Domain{}, domain...)
	l.records, l.groups, l.count = records, groups, count
	l.edited = nil
	if domainChanged {
		l.domainSelected = false
	}
	l.mu.Unlock()
	l.model.logger.Debug("list.loaded",
		"model", l.resModel,
		"count", count,
		"records", len(records),
		"groups", len(groups),
		"offset", offset,
	)
	return nil
}

func (l *DynamicList) fetchRecords(ctx context.Context, domain orm.Domain, orderBy []orm.OrderTerm, limit, offset int) ([]*Record, int, error) {
	result, err := l.model.orm.WebSearchRead(ctx, l.resModel, orm.SearchReadRequest{
		Domain:  domain,
		Fields:  l.schema.fieldNames,
		Offset:  offset,
		Limit:   limit,
		Order:   orm.FormatOrder(orderBy),
		Context: l.schema.context,
	})
	if err != nil {
		return nil, 0, err
	}
	records := make([]*Record, 0, len(result.Records))
	for _, values := range result.Records {
		records = append(records, newRecord(l.model, l.schema, values, ModeReadonly))
	}
	return records, result.Length, nil
}

// fetchGroups loads the groups of the list, their handle values when the
// grouping field is relational, and the first page of records of every
// unfolded group.
func (l *DynamicList) fetchGroups(ctx context.Context, domain orm.Domain, orderBy []orm.OrderTerm, limit int) ([]*Group, int, error) {
	groupBy := l.groupBy
	result, err := l.model.orm.WebReadGroup(ctx, l.resModel, orm.ReadGroupRequest{
		Domain:  domain,
		Fields:  []string{},
		GroupBy: []string{groupBy},
		OrderBy: orm.FormatOrder(orderBy),
		Lazy:    true,
		Context: l.schema.context,
	})
	if err != nil {
		return nil, 0, err
	}
	relation := l.schema.fields[groupBy].Relation
	groups := make([]*Group, 0, len(result.Groups))
	for _, raw := range result.Groups {
		groups = append(groups, l.newGroup(raw, domain, relation))
	}

	if relation != "" {
		l.readGroupValues(ctx, relation, groups)
	}
	for _, g := range groups {
		if g.Folded() {
			continue
		}
		records, _, err := l.fetchRecords(ctx, g.Domain(), orderBy, limit, 0)
		if err != nil {
			return nil, 0, err
		}
		g.setRecords(records)
	}
	return groups, result.Length, nil
}

func (l *DynamicList) newGroup(raw orm.Values, listDomain orm.Domain, relation string) *Group {
	groupBy := l.groupBy
	value := raw[groupBy]
	g := &Group{
		id:       l.model.nextDataPointID(),
		resModel: relation,
		value:    value,
		values:   orm.Values{},
	}
	if relation != "" {
		if id, ok := orm.Many2OneID(value); ok {
			g.resID = id
		}
	}
	g.displayName = groupDisplayName(value)
	if n, ok := orm.AsInt64(raw[groupBy+"_count"]); ok {
		g.count = int(n)
	} else if n, ok := orm.AsInt64(raw["__count"]); ok {
		g.count = int(n)
	}
	if d, ok := raw["__domain"].([]any); ok {
		g.domain = orm.Domain(d)
	} else {
		// Top level terms are implicitly and-ed.
		g.domain = append(append(orm.Domain{}, listDomain...), []any{groupBy, "=", groupValueForDomain(value)})
	}
	if folded, ok := raw["__fold"].(bool); ok {
		g.folded = folded
	}
	return g
}

// readGroupValues fetches the handle field of the group model so groups can
// be resequenced. Models without that field keep empty values.
func (l *DynamicList) readGroupValues(ctx context.Context, relation string, groups []*Group) {
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		if id := g.ResID(); id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	handleField := l.handleFieldFor(relation)
	values, err := l.model.orm.Read(ctx, relation, ids, []string{handleField}, l.schema.context)
	if err != nil {
		l.model.logger.Debug("list.group_values_unavailable", "model", relation, "error", err)
		return
	}
	byID := indexValues(values)
	for _, g := range groups {
		if v, ok := byID[g.ResID()]; ok {
			g.applyServerValues(v)
		}
	}
}

func groupDisplayName(value any) string {
	switch typed := value.(type) {
	case []any:
		if len(typed) > 1 {
			if name, ok := typed[1].(string); ok {
				return name
			}
		}
	case string:
		if typed != "" {
			return typed
		}
	case bool:
		if !typed {
			return "None"
		}
	case nil:
		return "None"
	}
	return fmt.Sprint(value)
}

func groupValueForDomain(value any) any {
	if id, ok := orm.Many2OneID(value); ok {
		return id
	}
	if pair, ok := value.([]any); ok && len(pair) == 0 {
		return false
	}
	if value == nil {
		return false
	}
	return value
}

// SortBy makes fieldName the primary sort key, toggling its direction when
// it already is, and reloads.
func (l *DynamicList) SortBy(ctx context.Context, fieldName string) error {
	return l.model.mutex.Exec(ctx, func(ctx context.Context) error {
		current := l.OrderBy()
		var next []orm.OrderTerm
		if len(current) > 0 && current[0].Name == fieldName {
			next = append(next, orm.OrderTerm{Name: fieldName, Asc: !current[0].Asc})
			next = append(next, current[1:]...)
		} else {
			next = append(next, orm.OrderTerm{Name: fieldName, Asc: true})
			for _, term := range current {
				if term.Name != fieldName {
					next = append(next, term)
				}
			}
		}
		return l.load(ctx, LoadParams{OrderBy: next})
	})
}

func (l *DynamicList) SelectDomain(ctx context.Context, value bool) error {
	return l.model.mutex.Exec(ctx, func(context.Context) error {
		l.mu.Lock()
		l.domainSelected = value
		l.mu.Unlock()
		return nil
	})
}

// GetResIDs resolves the ids an operation applies to. With isSelected and a
// domain selection, the server is searched with the list domain, bounded by
// the active ids limit.
func (l *DynamicList) GetResIDs(ctx context.Context, isSelected bool) ([]int64, error) {
	if isSelected && l.IsDomainSelected() {
		return l.model.orm.Search(ctx, l.resModel, l.Domain(), orm.SearchOptions{
			Limit:   l.model.activeIDsLimit,
			Order:   orm.FormatOrder(l.OrderBy()),
			Context: l.schema.context,
		})
	}
	records := l.Records()
	if isSelected {
		records = l.Selection()
	}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if id := rec.ResID(); id > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (l *DynamicList) Archive(ctx context.Context, isSelected bool) error {
	return l.toggleArchive(ctx, isSelected, true)
}

func (l *DynamicList) Unarchive(ctx context.Context, isSelected bool) error {
	return l.toggleArchive(ctx, isSelected, false)
}

func (l *DynamicList) toggleArchive(ctx context.Context, isSelected, archive bool) error {
	method, verb := "action_unarchive", "unarchived"
	if archive {
		method, verb = "action_archive", "archived"
	}
	return l.exec(ctx, func(ctx context.Context, after *afterRelease) error {
		ids, err := l.GetResIDs(ctx, isSelected)
		if err != nil {
			return err
		}
		raw, err := l.model.orm.Call(ctx, l.resModel, method, []any{ids}, map[string]any{"context": l.schema.context})
		if err != nil {
			return err
		}
		if l.truncated(isSelected, len(ids)) {
			l.model.notifications.Add(
				fmt.Sprintf("Of the %d records selected, only the first %d have been %s.", l.Count(), len(ids), verb),
				NotificationOptions{Title: "Warning", Type: "warning"},
			)
		}
		action := decodeAction(raw)
		if len(action) == 0 {
			return l.load(ctx, LoadParams{})
		}
		after.add(func(ctx context.Context) error {
			return l.model.actions.DoAction(ctx, action, ActionOptions{
				OnClose: func(ctx context.Context) error { return l.Load(ctx, LoadParams{}) },
			})
		})
		return nil
	})
}

// truncated reports whether a domain selection was cut by the active ids
// limit.
func (l *DynamicList) truncated(isSelected bool, resolved int) bool {
	return isSelected && l.IsDomainSelected() && resolved == l.model.activeIDsLimit && l.Count() > resolved
}

func decodeAction(raw json.RawMessage) orm.Values {
	if len(raw) == 0 {
		return nil
	}
	var action orm.Values
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil
	}
	return action
}

// DeleteRecords unlinks the given records, or the current selection when
// none are given, and reports the server result. Nothing changes in memory
// when the server refuses.
func (l *DynamicList) DeleteRecords(ctx context.Context, records ...*Record) (bool, error) {
	var deleted bool
	err := l.exec(ctx, func(ctx context.Context, _ *afterRelease) error {
		isSelected := len(records) == 0
		var ids []int64
		if isSelected {
			var err error
			if ids, err = l.GetResIDs(ctx, true); err != nil {
				return err
			}
		} else {
			for _, rec := range records {
				if id := rec.ResID(); id > 0 {
					ids = append(ids, id)
				}
			}
		}
		ok, err := l.model.orm.Unlink(ctx, l.resModel, ids, l.schema.context)
		if err != nil || !ok {
			return err
		}
		deleted = true
		if l.truncated(isSelected, len(ids)) {
			l.model.notifications.Add(
				fmt.Sprintf("Only the first %d records have been deleted (out of %d selected)", len(ids), l.Count()),
				NotificationOptions{Title: "Warning", Type: "warning"},
			)
		}
		wasDomainSelected := isSelected && l.IsDomainSelected()
		if err := l.removeRecords(ctx, ids); err != nil {
			return err
		}
		if wasDomainSelected {
			l.mu.Lock()
			l.domainSelected = false
			l.mu.Unlock()
			return l.load(ctx, LoadParams{})
		}
		return nil
	})
	return deleted, err
}

// removeRecords drops records with the given server ids from memory and
// reloads the previous page when the current one becomes empty.
func (l *DynamicList) removeRecords(ctx context.Context, ids []int64) error {
	drop := map[int64]struct{}{}
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	matched := map[*Record]struct{}{}
	for _, rec := range l.Records() {
		if _, ok := drop[rec.ResID()]; ok {
			matched[rec] = struct{}{}
		}
	}
	l.forget(matched)

	l.mu.RLock()
	empty := len(l.records) == 0 && l.groupBy == ""
	offset, limit := l.offset, l.limit
	l.mu.RUnlock()
	if empty && offset > 0 {
		previous := offset - limit
		if previous < 0 {
			previous = 0
		}
		return l.load(ctx, LoadParams{Offset: &previous})
	}
	return nil
}

// forget removes records from memory without touching the server.
func (l *DynamicList) forget(drop map[*Record]struct{}) {
	if len(drop) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := drop[l.edited]; ok {
		l.edited = nil
	}
	if l.groupBy != "" {
		for _, g := range l.groups {
			g.removeRecords(drop)
		}
		return
	}
	kept := l.records[:0:0]
	for _, rec := range l.records {
		if _, ok := drop[rec]; !ok {
			kept = append(kept, rec)
		}
	}
	l.count -= len(l.records) - len(kept)
	if l.count < 0 {
		l.count = 0
	}
	l.records = kept
}

// AddNewRecord leaves edit mode, then inserts a record holding the server
// defaults, in edit mode, at the top or the bottom of the list.
func (l *DynamicList) AddNewRecord(ctx context.Context, atFirst bool) (*Record, error) {
	if l.IsGrouped() {
		return nil, ErrGroupedList
	}
	var rec *Record
	err := l.exec(ctx, func(ctx context.Context, after *afterRelease) error {
		left, err := l.leaveEditMode(ctx, after, LeaveOptions{})
		if err != nil {
			return err
		}
		if !left {
			return ErrEditInProgress
		}
		raw, err := l.model.orm.Call(ctx, l.resModel, "default_get", []any{l.schema.fieldNames}, map[string]any{"context": l.schema.context})
		if err != nil {
			return err
		}
		defaults := orm.Values{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &defaults); err != nil {
				return fmt.Errorf("decode default_get: %w", err)
			}
		}
		delete(defaults, "id")
		// Defaults are base values: a record holding only them is pristine.
		rec = newRecord(l.model, l.schema, defaults, ModeEdit)

		l.mu.Lock()
		if atFirst {
			l.records = append([]*Record{rec}, l.records...)
		} else {
			l.records = append(l.records, rec)
		}
		l.count++
		l.edited = rec
		l.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func indexValues(values []orm.Values) map[int64]orm.Values {
	out := make(map[int64]orm.Values, len(values))
	for _, v := range values {
		if id, ok := orm.AsInt64(v["id"]); ok {
			out[id] = v
		}
	}
	return out
}

func sameDomain(a, b orm.Domain) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(left) == string(right)
}
