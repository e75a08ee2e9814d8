package datalist

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/agentworkforce/relaylist/internal/orm"
)

type searchCall struct {
	Model  string
	Domain orm.Domain
	Opts   orm.SearchOptions
}

type writeCall struct {
	Model   string
	IDs     []int64
	Changes orm.Values
}

type rpcCall struct {
	Model  string
	Method string
	Args   []any
}

type fakeORM struct {
	mu sync.Mutex

	models map[string]map[int64]orm.Values
	nextID int64

	searchResult []int64
	searches     []searchCall
	writes       []writeCall
	creates      []orm.Values
	unlinks      [][]int64
	calls        []rpcCall
	resequences  []orm.ResequenceParams
	groups       []orm.Values

	callResults      map[string]json.RawMessage
	writeErr         error
	unlinkResult     *bool
	resequenceResult *bool
	resequenceErr    error
}

func newFakeORM() *fakeORM {
	return &fakeORM{
		models:      map[string]map[int64]orm.Values{},
		nextID:      1000,
		callResults: map[string]json.RawMessage{},
	}
}

func (f *fakeORM) seed(model string, rows ...orm.Values) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.models[model] == nil {
		f.models[model] = map[int64]orm.Values{}
	}
	for _, row := range rows {
		id, _ := orm.AsInt64(row["id"])
		f.models[model][id] = row.Clone()
	}
}

func (f *fakeORM) value(model string, id int64, field string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[model][id][field]
}

func (f *fakeORM) writeCalls() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

func (f *fakeORM) resequenceCalls() []orm.ResequenceParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orm.ResequenceParams(nil), f.resequences...)
}

// sorted returns the rows of model matching domain, ordered by the first
// order term (id when none).
func (f *fakeORM) sorted(model string, domain orm.Domain, order string) []orm.Values {
	var rows []orm.Values
	for _, row := range f.models[model] {
		if matches(row, domain) {
			rows = append(rows, row)
		}
	}
	terms := orm.ParseOrder(order)
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := orm.AsInt64(rows[i]["id"])
		b, _ := orm.AsInt64(rows[j]["id"])
		return a < b
	})
	if len(terms) > 0 {
		term := terms[0]
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := orm.AsInt64(rows[i][term.Name])
			b, _ := orm.AsInt64(rows[j][term.Name])
			if term.Asc {
				return a < b
			}
			return a > b
		})
	}
	return rows
}

// matches understands top level [field, "=", value] leaves only.
func matches(row orm.Values, domain orm.Domain) bool {
	for _, term := range domain {
		leaf, ok := term.([]any)
		if !ok || len(leaf) != 3 || leaf[1] != "=" {
			continue
		}
		name, _ := leaf[0].(string)
		want, wantOK := orm.AsInt64(leaf[2])
		got, gotOK := orm.Many2OneID(row[name])
		if !gotOK {
			got, gotOK = orm.AsInt64(row[name])
		}
		if wantOK != gotOK || want != got {
			return false
		}
	}
	return true
}

func (f *fakeORM) Search(_ context.Context, model string, domain orm.Domain, opts orm.SearchOptions) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, searchCall{Model: model, Domain: domain, Opts: opts})
	if f.searchResult != nil {
		return append([]int64(nil), f.searchResult...), nil
	}
	var ids []int64
	for _, row := range f.sorted(model, domain, opts.Order) {
		id, _ := orm.AsInt64(row["id"])
		ids = append(ids, id)
		if opts.Limit > 0 && len(ids) == opts.Limit {
			break
		}
	}
	return ids, nil
}

func (f *fakeORM) SearchCount(_ context.Context, model string, domain orm.Domain, _ orm.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sorted(model, domain, "")), nil
}

func (f *fakeORM) Read(_ context.Context, model string, ids []int64, fields []string, _ orm.Context) ([]orm.Values, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orm.Values
	for _, id := range ids {
		row, ok := f.models[model][id]
		if !ok {
			continue
		}
		v := orm.Values{"id": id}
		for _, name := range fields {
			if value, ok := row[name]; ok {
				v[name] = value
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeORM) Write(_ context.Context, model string, ids []int64, changes orm.Values, _ orm.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeCall{Model: model, IDs: append([]int64(nil), ids...), Changes: changes.Clone()})
	if f.writeErr != nil {
		return false, f.writeErr
	}
	for _, id := range ids {
		for key, value := range changes {
			f.models[model][id][key] = value
		}
	}
	return true, nil
}

func (f *fakeORM) Create(_ context.Context, model string, values orm.Values, _ orm.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	row := values.Clone()
	row["id"] = f.nextID
	if f.models[model] == nil {
		f.models[model] = map[int64]orm.Values{}
	}
	f.models[model][f.nextID] = row
	f.creates = append(f.creates, values.Clone())
	return f.nextID, nil
}

func (f *fakeORM) Unlink(_ context.Context, model string, ids []int64, _ orm.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinks = append(f.unlinks, append([]int64(nil), ids...))
	if f.unlinkResult != nil && !*f.unlinkResult {
		return false, nil
	}
	for _, id := range ids {
		delete(f.models[model], id)
	}
	return true, nil
}

func (f *fakeORM) Call(_ context.Context, model, method string, args []any, _ map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rpcCall{Model: model, Method: method, Args: args})
	switch method {
	case "action_archive", "action_unarchive":
		ids, _ := args[0].([]int64)
		for _, id := range ids {
			if row, ok := f.models[model][id]; ok {
				row["active"] = method == "action_unarchive"
			}
		}
	}
	if raw, ok := f.callResults[method]; ok {
		return raw, nil
	}
	if method == "default_get" {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(`true`), nil
}

func (f *fakeORM) WebSearchRead(_ context.Context, model string, req orm.SearchReadRequest) (orm.SearchReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.sorted(model, req.Domain, req.Order)
	total := len(rows)
	if req.Offset < len(rows) {
		rows = rows[req.Offset:]
	} else {
		rows = nil
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	out := make([]orm.Values, 0, len(rows))
	for _, row := range rows {
		v := orm.Values{"id": row["id"]}
		for _, name := range req.Fields {
			if value, ok := row[name]; ok {
				v[name] = value
			}
		}
		out = append(out, v)
	}
	return orm.SearchReadResult{Length: total, Records: out}, nil
}

func (f *fakeORM) WebReadGroup(context.Context, string, orm.ReadGroupRequest) (orm.ReadGroupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups := make([]orm.Values, 0, len(f.groups))
	for _, g := range f.groups {
		groups = append(groups, g.Clone())
	}
	return orm.ReadGroupResult{Length: len(groups), Groups: groups}, nil
}

func (f *fakeORM) FieldsGet(context.Context, string, orm.Context) (map[string]orm.FieldInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeORM) Resequence(_ context.Context, params orm.ResequenceParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resequences = append(f.resequences, params)
	if f.resequenceErr != nil {
		return false, f.resequenceErr
	}
	if f.resequenceResult != nil && !*f.resequenceResult {
		return false, nil
	}
	var offset int64
	if params.Offset != nil {
		offset = *params.Offset
	}
	for i, id := range params.IDs {
		if row, ok := f.models[params.Model][id]; ok {
			row[params.Field] = offset + int64(i)
		}
	}
	return true, nil
}

type recordedDialogs struct {
	mu      sync.Mutex
	dialogs []AlertDialog
}

func (d *recordedDialogs) Add(_ context.Context, dialog AlertDialog) {
	d.mu.Lock()
	d.dialogs = append(d.dialogs, dialog)
	d.mu.Unlock()
}

type notification struct {
	Message string
	Opts    NotificationOptions
}

type recordedNotifications struct {
	mu    sync.Mutex
	items []notification
}

func (n *recordedNotifications) Add(message string, opts NotificationOptions) {
	n.mu.Lock()
	n.items = append(n.items, notification{Message: message, Opts: opts})
	n.mu.Unlock()
}

type recordedActions struct {
	mu      sync.Mutex
	actions []orm.Values
	onClose []func(ctx context.Context) error
}

func (a *recordedActions) DoAction(_ context.Context, action orm.Values, opts ActionOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	a.onClose = append(a.onClose, opts.OnClose)
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}
