package datalist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const taskModel = "project.task"

type harness struct {
	orm           *fakeORM
	dialogs       *recordedDialogs
	notifications *recordedNotifications
	actions       *recordedActions
	model         *Model
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		orm:           newFakeORM(),
		dialogs:       &recordedDialogs{},
		notifications: &recordedNotifications{},
		actions:       &recordedActions{},
	}
	opts := Options{
		ORM:           h.orm,
		Dialogs:       h.dialogs,
		Notifications: h.notifications,
		Actions:       h.actions,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	model, err := NewModel(opts)
	require.NoError(t, err)
	h.model = model
	return h
}

func taskFields() map[string]Field {
	return map[string]Field{
		"name":       {Type: "char", Required: true},
		"sequence":   {Type: "integer", Handle: true},
		"priority":   {Type: "selection"},
		"create_uid": {Type: "many2one", Relation: "res.users", Readonly: true},
		"stage_id":   {Type: "many2one", Relation: "project.task.type"},
	}
}

func (h *harness) seedTasks(rows ...orm.Values) {
	h.orm.seed(taskModel, rows...)
}

func (h *harness) loadList(t *testing.T, cfg Config) *DynamicList {
	t.Helper()
	if cfg.ResModel == "" {
		cfg.ResModel = taskModel
	}
	if cfg.Fields == nil {
		cfg.Fields = taskFields()
	}
	l, err := h.model.NewList(cfg)
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background(), LoadParams{}))
	return l
}

func task(id int64, name string, sequence any) orm.Values {
	v := orm.Values{"id": id, "name": name}
	if sequence != nil {
		v["sequence"] = sequence
	}
	return v
}

func names(records []*Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.FieldValue("name").(string))
	}
	return out
}

func recordByResID(t *testing.T, l *DynamicList, id int64) *Record {
	t.Helper()
	for _, rec := range l.Records() {
		if rec.ResID() == id {
			return rec
		}
	}
	t.Fatalf("record %d not loaded", id)
	return nil
}

func TestNewModelRequiresORM(t *testing.T) {
	_, err := NewModel(Options{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewListValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.model.NewList(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = h.model.NewList(Config{ResModel: taskModel, GroupBy: []string{"stage_id", "user_id"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewListDefaultsOrderToHandleField(t *testing.T) {
	h := newHarness(t)
	l, err := h.model.NewList(Config{ResModel: taskModel, Fields: taskFields()})
	require.NoError(t, err)
	require.Equal(t, "sequence", l.HandleField())
	require.True(t, l.CanResequence())
	require.Equal(t, []orm.OrderTerm{{Name: "sequence", Asc: true}}, l.OrderBy())
	require.Equal(t, DefaultLimit, l.Limit())
}

func TestLoadUsesProvidedParameters(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	l := h.loadList(t, Config{})
	require.Equal(t, []string{"A", "B", "C"}, names(l.Records()))
	require.Equal(t, 3, l.Count())

	limit, offset := 2, 1
	require.NoError(t, l.Load(context.Background(), LoadParams{Limit: &limit, Offset: &offset}))
	require.Equal(t, []string{"B", "C"}, names(l.Records()))
	require.Equal(t, 2, l.Limit())
	require.Equal(t, 1, l.Offset())
	require.Equal(t, 3, l.Count())
}

func TestLoadWithNewDomainResetsDomainSelection(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1))
	l := h.loadList(t, Config{})
	ctx := context.Background()
	require.NoError(t, l.SelectDomain(ctx, true))
	require.NoError(t, l.Load(ctx, LoadParams{}))
	require.True(t, l.IsDomainSelected())

	require.NoError(t, l.Load(ctx, LoadParams{Domain: orm.Domain{[]any{"id", "=", 1}}}))
	require.False(t, l.IsDomainSelected())
}

func TestSortByTogglesAndPromotes(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2))
	l := h.loadList(t, Config{OrderBy: []orm.OrderTerm{{Name: "sequence", Asc: true}, {Name: "id", Asc: true}}})
	ctx := context.Background()

	require.NoError(t, l.SortBy(ctx, "sequence"))
	require.Equal(t, []orm.OrderTerm{{Name: "sequence", Asc: false}, {Name: "id", Asc: true}}, l.OrderBy())
	require.Equal(t, []string{"B", "A"}, names(l.Records()))

	require.NoError(t, l.SortBy(ctx, "id"))
	require.Equal(t, []orm.OrderTerm{{Name: "id", Asc: true}, {Name: "sequence", Asc: false}}, l.OrderBy())
}

func TestGetResIDsDomainSelectionSearchesWithLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ActiveIDsLimit = 2 })
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	domain := orm.Domain{[]any{"priority", "!=", "3"}}
	l := h.loadList(t, Config{Domain: domain, Limit: 1})
	ctx := context.Background()
	require.NoError(t, l.SelectDomain(ctx, true))

	ids, err := l.GetResIDs(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
	require.Len(t, h.orm.searches, 1)
	require.Equal(t, taskModel, h.orm.searches[0].Model)
	require.Equal(t, domain, h.orm.searches[0].Domain)
	require.Equal(t, 2, h.orm.searches[0].Opts.Limit)
}

func TestGetResIDsExplicitSelection(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	l := h.loadList(t, Config{})
	recordByResID(t, l, 3).ToggleSelection(true)
	ctx := context.Background()

	ids, err := l.GetResIDs(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids)

	ids, err = l.GetResIDs(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)
	require.Empty(t, h.orm.searches)
}

func TestArchiveReloadsWithoutAction(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2))
	l := h.loadList(t, Config{})
	recordByResID(t, l, 2).ToggleSelection(true)

	require.NoError(t, l.Archive(context.Background(), true))
	require.Len(t, h.orm.calls, 1)
	require.Equal(t, "action_archive", h.orm.calls[0].Method)
	require.Equal(t, []any{[]int64{2}}, h.orm.calls[0].Args)
	require.Equal(t, false, h.orm.value(taskModel, 2, "active"))
	require.Empty(t, h.actions.actions)
	require.Empty(t, h.notifications.items)
}

func TestArchiveTruncatedDomainSelectionWarnsAndDispatchesAction(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ActiveIDsLimit = 2 })
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	h.orm.callResults["action_unarchive"] = json.RawMessage(`{"type":"ir.actions.act_window","res_model":"archive.wizard"}`)
	l := h.loadList(t, Config{})
	ctx := context.Background()
	require.NoError(t, l.SelectDomain(ctx, true))

	require.NoError(t, l.Unarchive(ctx, true))
	require.Len(t, h.notifications.items, 1)
	require.Equal(t, "Of the 3 records selected, only the first 2 have been unarchived.", h.notifications.items[0].Message)
	require.Equal(t, "Warning", h.notifications.items[0].Opts.Title)
	require.Len(t, h.actions.actions, 1)
	require.Equal(t, "archive.wizard", h.actions.actions[0]["res_model"])

	h.seedTasks(task(4, "D", 4))
	require.NoError(t, h.actions.onClose[0](ctx))
	require.Equal(t, 4, l.Count())
}

func TestDeleteRecordsFailureKeepsRecords(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2))
	h.orm.unlinkResult = boolPtr(false)
	l := h.loadList(t, Config{})

	ok, err := l.DeleteRecords(context.Background(), recordByResID(t, l, 1))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"A", "B"}, names(l.Records()))
	require.Equal(t, 2, l.Count())
}

func TestDeleteRecordsRemovesSelection(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	l := h.loadList(t, Config{})
	recordByResID(t, l, 1).ToggleSelection(true)
	recordByResID(t, l, 3).ToggleSelection(true)

	ok, err := l.DeleteRecords(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]int64{{1, 3}}, h.orm.unlinks)
	require.Equal(t, []string{"B"}, names(l.Records()))
	require.Equal(t, 1, l.Count())
	require.Empty(t, l.Selection())
}

func TestDeleteLastRecordsOfPageLoadsPreviousPage(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	l := h.loadList(t, Config{Limit: 2, Offset: 2})
	require.Equal(t, []string{"C"}, names(l.Records()))

	ok, err := l.DeleteRecords(context.Background(), recordByResID(t, l, 3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, l.Offset())
	require.Equal(t, []string{"A", "B"}, names(l.Records()))
}

func TestDeleteTruncatedDomainSelectionWarns(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ActiveIDsLimit = 2 })
	h.seedTasks(task(1, "A", 1), task(2, "B", 2), task(3, "C", 3))
	l := h.loadList(t, Config{})
	ctx := context.Background()
	require.NoError(t, l.SelectDomain(ctx, true))

	ok, err := l.DeleteRecords(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, h.notifications.items, 1)
	require.Equal(t, "Only the first 2 records have been deleted (out of 3 selected)", h.notifications.items[0].Message)
	require.False(t, l.IsDomainSelected())
	require.Equal(t, []string{"C"}, names(l.Records()))
}

func TestAddNewRecordUsesDefaultsAndEditMode(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1))
	h.orm.callResults["default_get"] = json.RawMessage(`{"priority":"1"}`)
	l := h.loadList(t, Config{})
	ctx := context.Background()

	rec, err := l.AddNewRecord(ctx, true)
	require.NoError(t, err)
	require.True(t, rec.IsNew())
	require.True(t, rec.IsInEdition())
	require.Equal(t, "1", rec.FieldValue("priority"))
	require.Same(t, rec, l.EditedRecord())
	require.Same(t, rec, l.Records()[0])
	require.Equal(t, 2, l.Count())

	rec.Update(orm.Values{"name": "New"})
	left, err := l.LeaveEditMode(ctx, LeaveOptions{})
	require.NoError(t, err)
	require.True(t, left)
	require.False(t, rec.IsNew())
	require.Equal(t, ModeReadonly, rec.Mode())
	require.Len(t, h.orm.creates, 1)
	require.Equal(t, "New", h.orm.creates[0]["name"])
}

func TestAddNewRecordRejectedOnGroupedList(t *testing.T) {
	h := newHarness(t)
	l, err := h.model.NewList(Config{ResModel: taskModel, Fields: taskFields(), GroupBy: []string{"stage_id"}})
	require.NoError(t, err)
	_, err = l.AddNewRecord(context.Background(), false)
	require.ErrorIs(t, err, ErrGroupedList)
}

func TestGroupedListLoadsGroupsAndRecords(t *testing.T) {
	h := newHarness(t)
	h.orm.seed("project.task.type", orm.Values{"id": int64(10), "sequence": int64(5)}, orm.Values{"id": int64(11), "sequence": int64(6)})
	h.seedTasks(
		orm.Values{"id": int64(1), "name": "A", "sequence": int64(1), "stage_id": []any{int64(10), "New"}},
		orm.Values{"id": int64(2), "name": "B", "sequence": int64(2), "stage_id": []any{int64(11), "Done"}},
	)
	h.orm.groups = []orm.Values{
		{"stage_id": []any{int64(10), "New"}, "stage_id_count": int64(1), "__domain": []any{[]any{"stage_id", "=", int64(10)}}},
		{"stage_id": []any{int64(11), "Done"}, "stage_id_count": int64(1), "__domain": []any{[]any{"stage_id", "=", int64(11)}}, "__fold": true},
	}
	l := h.loadList(t, Config{GroupBy: []string{"stage_id"}})

	groups := l.Groups()
	require.Len(t, groups, 2)
	require.Equal(t, "New", groups[0].DisplayName())
	require.Equal(t, int64(10), groups[0].ResID())
	require.Equal(t, "project.task.type", groups[0].ResModel())
	require.Equal(t, int64(5), groups[0].FieldValue("sequence"))
	require.Equal(t, []string{"A"}, names(groups[0].Records()))
	require.True(t, groups[1].Folded())
	require.Empty(t, groups[1].Records())
	require.Equal(t, []string{"A"}, names(l.Records()))
}

func TestMutatingOperationsShareTheModelMutex(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1))
	first := h.loadList(t, Config{})
	second := h.loadList(t, Config{})
	require.Same(t, h.model.Mutex(), first.model.Mutex())
	require.Same(t, first.model, second.model)
	require.NoError(t, h.model.Mutex().Wait(context.Background()))
	require.Equal(t, 0, h.model.Mutex().Pending())
}

func TestLoadErrorKeepsPreviousState(t *testing.T) {
	h := newHarness(t)
	h.seedTasks(task(1, "A", 1))
	l := h.loadList(t, Config{})
	failing := &failingSearchRead{fakeORM: h.orm, err: errors.New("backend down")}
	h.model.orm = failing

	err := l.Load(context.Background(), LoadParams{})
	require.ErrorContains(t, err, "backend down")
	require.Equal(t, []string{"A"}, names(l.Records()))
}

type failingSearchRead struct {
	*fakeORM
	err error
}

func (f *failingSearchRead) WebSearchRead(context.Context, string, orm.SearchReadRequest) (orm.SearchReadResult, error) {
	return orm.SearchReadResult{}, f.err
}
