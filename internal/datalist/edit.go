package datalist

import (
	"context"
	"fmt"

	"github.com/agentworkforce/relaylist/internal/orm"
)

type LeaveOptions struct {
	Discard bool
}

// EnterEditMode puts rec in edit mode once the previously edited record, if
// any, has left it. It reports false when the previous record had to stay in
// edit mode.
func (l *DynamicList) EnterEditMode(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("%w: nil record", ErrDataPointNotFound)
	}
	var entered bool
	err := l.exec(ctx, func(ctx context.Context, after *afterRelease) error {
		if found, ok := l.Record(rec.ID()); !ok || found != rec {
			return fmt.Errorf("%w: record %s is not in this list", ErrDataPointNotFound, rec.ID())
		}
		if l.EditedRecord() == rec {
			entered = true
			return nil
		}
		left, err := l.leaveEditMode(ctx, after, LeaveOptions{})
		if err != nil || !left {
			return err
		}
		rec.switchMode(ModeEdit)
		l.mu.Lock()
		l.edited = rec
		l.mu.Unlock()
		entered = true
		return nil
	})
	return entered, err
}

// LeaveEditMode closes the current edit session, saving or discarding the
// edited record. It reports false when the record has to stay in edit mode,
// for instance because it is invalid.
func (l *DynamicList) LeaveEditMode(ctx context.Context, opts LeaveOptions) (bool, error) {
	var left bool
	err := l.exec(ctx, func(ctx context.Context, after *afterRelease) error {
		var err error
		left, err = l.leaveEditMode(ctx, after, opts)
		return err
	})
	return left, err
}

func (l *DynamicList) leaveEditMode(ctx context.Context, after *afterRelease, opts LeaveOptions) (bool, error) {
	rec := l.EditedRecord()
	if rec == nil {
		return true, nil
	}
	if opts.Discard {
		rec.Discard()
		l.closeEdition(rec)
		return true, nil
	}
	if rec.IsNew() && !rec.IsDirty() {
		l.closeEdition(rec)
		return true, nil
	}
	if !l.model.UrgentSave() && !rec.CheckValidity() {
		l.model.logger.Debug("list.invalid_record", "model", l.resModel, "record", rec.ID(), "fields", rec.InvalidFields())
		return false, nil
	}

	var (
		saved bool
		err   error
	)
	if l.isMultiEdit(rec) {
		saved, err = l.multiSave(ctx, after, rec)
	} else {
		saved, err = rec.save(ctx)
		if saved {
			l.model.updateSimilarRecords(rec, rec.Values())
		}
	}
	if err != nil || !saved {
		return false, err
	}
	l.closeEdition(rec)
	return true, nil
}

// closeEdition switches rec back to readonly, or drops it when it was never
// saved.
func (l *DynamicList) closeEdition(rec *Record) {
	if rec.IsNew() {
		l.forget(map[*Record]struct{}{rec: {}})
		return
	}
	rec.switchMode(ModeReadonly)
	l.mu.Lock()
	if l.edited == rec {
		l.edited = nil
	}
	l.mu.Unlock()
}

func (l *DynamicList) isMultiEdit(rec *Record) bool {
	return l.multiEdit && rec.Selected() && len(l.Selection()) > 1
}

// multiSave writes the pending changes of origin to every selected record
// that accepts all of them.
func (l *DynamicList) multiSave(ctx context.Context, after *afterRelease, origin *Record) (bool, error) {
	changes := origin.Changes()
	if len(changes) == 0 {
		return true, nil
	}
	var targets []*Record
	for _, rec := range l.Selection() {
		if acceptsChanges(rec, changes) {
			targets = append(targets, rec)
		}
	}
	if hook := l.model.hooks.OnWillSaveMulti; hook != nil && !hook(ctx, origin, changes, targets) {
		return false, nil
	}
	if len(targets) == 0 {
		dialog := AlertDialog{
			Body:         "No valid record to save",
			ConfirmLabel: "Discard",
			Confirm: func(ctx context.Context) error {
				_, err := l.LeaveEditMode(ctx, LeaveOptions{Discard: true})
				return err
			},
			Dismiss: func() {},
		}
		after.add(func(ctx context.Context) error {
			l.model.dialogs.Add(ctx, dialog)
			return nil
		})
		return false, nil
	}

	ids := make([]int64, 0, len(targets))
	for _, rec := range targets {
		if id := rec.ResID(); id > 0 {
			ids = append(ids, id)
		}
	}
	kwctx := l.schema.context
	ok, err := l.model.orm.Write(ctx, l.resModel, ids, changes, kwctx)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s write on %d records", ErrWriteRejected, l.resModel, len(ids))
	}
	if err != nil {
		l.abandonEdition(origin)
		return false, err
	}

	values, err := l.model.orm.Read(ctx, l.resModel, ids, l.schema.fieldNames, kwctx)
	if err != nil {
		l.abandonEdition(origin)
		return false, err
	}
	byID := indexValues(values)
	for _, rec := range targets {
		v, ok := byID[rec.ResID()]
		if !ok {
			continue
		}
		rec.applyValues(v)
		l.model.updateSimilarRecords(rec, v)
	}
	origin.Discard()
	origin.switchMode(ModeReadonly)
	l.model.logger.Debug("list.multi_saved", "model", l.resModel, "records", len(ids))
	if hook := l.model.hooks.OnSavedMulti; hook != nil {
		hook(ctx, targets)
	}
	return true, nil
}

func (l *DynamicList) abandonEdition(origin *Record) {
	origin.Discard()
	origin.switchMode(ModeReadonly)
	l.mu.Lock()
	if l.edited == origin {
		l.edited = nil
	}
	l.mu.Unlock()
}

// acceptsChanges reports whether every changed field may be written on rec:
// not readonly, and not required when the new value is empty. Conditional
// modifiers are evaluated against the values rec holds now.
func acceptsChanges(rec *Record, changes orm.Values) bool {
	values := rec.Values()
	for name, value := range changes {
		if rec.schema.fields[name].readonlyFor(values) {
			return false
		}
		if rec.schema.fields[name].requiredFor(values) && orm.IsEmpty(value) {
			return false
		}
	}
	return true
}
