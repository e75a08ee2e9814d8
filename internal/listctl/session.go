package listctl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/orm"
)

// Session is one loaded list of a view.
type Session struct {
	View  View
	Model *datalist.Model
	List  *datalist.DynamicList
}

type SessionOptions struct {
	Client   orm.Client
	Terminal *Terminal
	Logger   *slog.Logger
	// ConfirmMultiSave asks on the terminal before a multi-record write.
	ConfirmMultiSave bool
}

func OpenSession(ctx context.Context, view View, opts SessionOptions) (*Session, error) {
	modelOpts := datalist.Options{ORM: opts.Client, Logger: opts.Logger}
	if opts.Terminal != nil {
		modelOpts = opts.Terminal.Services(modelOpts)
		if opts.ConfirmMultiSave {
			term := opts.Terminal
			modelOpts.Hooks.OnWillSaveMulti = func(_ context.Context, _ *datalist.Record, changes orm.Values, targets []*datalist.Record) bool {
				if len(targets) == 0 {
					return true
				}
				return term.Confirm(fmt.Sprintf("Write %s on %d record(s)?", describeChanges(changes), len(targets)))
			}
		}
	}
	model, err := datalist.NewModel(modelOpts)
	if err != nil {
		return nil, err
	}
	list, err := model.NewList(view.ListConfig())
	if err != nil {
		return nil, err
	}
	if err := list.Load(ctx, datalist.LoadParams{}); err != nil {
		return nil, err
	}
	return &Session{View: view, Model: model, List: list}, nil
}

// RecordsByResID looks up loaded records by server id, in argument order.
func (s *Session) RecordsByResID(ids []int64) ([]*datalist.Record, error) {
	byID := map[int64]*datalist.Record{}
	for _, rec := range s.List.Records() {
		byID[rec.ResID()] = rec
	}
	out := make([]*datalist.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: record %d is not loaded", datalist.ErrDataPointNotFound, id)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Session) groupByResID(id int64) (*datalist.Group, error) {
	for _, group := range s.List.Groups() {
		if group.ResID() == id {
			return group, nil
		}
	}
	return nil, fmt.Errorf("%w: group %d is not loaded", datalist.ErrDataPointNotFound, id)
}

// Select replaces the selection with the given records; no ids with all
// set selects the whole domain.
func (s *Session) Select(ctx context.Context, ids []int64, all bool) error {
	for _, rec := range s.List.Records() {
		rec.ToggleSelection(false)
	}
	if err := s.List.SelectDomain(ctx, all); err != nil || all {
		return err
	}
	records, err := s.RecordsByResID(ids)
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec.ToggleSelection(true)
	}
	return nil
}

// Resequence moves the record (or group) moved onto the slot of target.
// A zero target moves it to the top.
func (s *Session) Resequence(ctx context.Context, moved, target int64, groups bool) error {
	if groups {
		movedGroup, err := s.groupByResID(moved)
		if err != nil {
			return err
		}
		targetID := ""
		if target != 0 {
			targetGroup, err := s.groupByResID(target)
			if err != nil {
				return err
			}
			targetID = targetGroup.ID()
		}
		return s.List.ResequenceGroups(ctx, movedGroup.ID(), targetID)
	}
	ids := []int64{moved}
	if target != 0 {
		ids = append(ids, target)
	}
	records, err := s.RecordsByResID(ids)
	if err != nil {
		return err
	}
	targetID := ""
	if len(records) == 2 {
		targetID = records[1].ID()
	}
	return s.List.ResequenceRecords(ctx, records[0].ID(), targetID)
}

// Edit applies changes to the given records. With several ids on a
// multi-edit view the first record carries the changes and the list writes
// them to the whole selection.
func (s *Session) Edit(ctx context.Context, ids []int64, changes orm.Values) (bool, error) {
	if len(ids) == 0 {
		return false, fmt.Errorf("%w: no record given", datalist.ErrDataPointNotFound)
	}
	if len(ids) > 1 && !s.View.MultiEdit {
		return false, fmt.Errorf("%w: view %s does not allow multi-edit", datalist.ErrInvalidConfig, s.View.Model)
	}
	if err := s.Select(ctx, ids, false); err != nil {
		return false, err
	}
	records, err := s.RecordsByResID(ids[:1])
	if err != nil {
		return false, err
	}
	origin := records[0]
	entered, err := s.List.EnterEditMode(ctx, origin)
	if err != nil || !entered {
		return false, err
	}
	origin.Update(changes)
	saved, err := s.List.LeaveEditMode(ctx, datalist.LeaveOptions{})
	if err != nil || saved {
		return saved, err
	}
	// A terminal has no way to keep a record open: drop what was not saved.
	if _, err := s.List.LeaveEditMode(ctx, datalist.LeaveOptions{Discard: true}); err != nil {
		return false, err
	}
	return false, nil
}

// ParseAssignments turns field=value arguments into values. Values are YAML
// scalars, so numbers and booleans keep their type; "null" clears a field.
func ParseAssignments(args []string) (orm.Values, error) {
	out := orm.Values{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected field=value", arg)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		if value == nil {
			value = false
		}
		out[name] = value
	}
	return out, nil
}

func describeChanges(changes orm.Values) string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%s", name, FormatValue(changes[name]))
	}
	return strings.Join(parts, ", ")
}
