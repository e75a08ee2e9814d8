package datalist

import (
	"context"
	"fmt"

	"github.com/agentworkforce/relaylist/internal/orm"
)

// ResequenceRecords moves the record movedID onto the slot of targetID (the
// top of the list when targetID is empty) and persists the new order of the
// handle field. In a grouped list both records must belong to the same group.
func (l *DynamicList) ResequenceRecords(ctx context.Context, movedID, targetID string) error {
	return l.model.mutex.Exec(ctx, func(ctx context.Context) error {
		if !l.IsGrouped() {
			l.mu.RLock()
			records := l.records
			l.mu.RUnlock()
			next, err := resequence(ctx, l, l.resModel, records, movedID, targetID)
			if err != nil {
				return err
			}
			l.mu.Lock()
			l.records = next
			l.mu.Unlock()
			return nil
		}
		for _, g := range l.Groups() {
			records := g.Records()
			if indexOf(records, movedID) < 0 {
				continue
			}
			next, err := resequence(ctx, l, l.resModel, records, movedID, targetID)
			if err != nil {
				return err
			}
			g.setRecords(next)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDataPointNotFound, movedID)
	})
}

// ResequenceGroups reorders the groups of a list grouped by a relational
// field, writing the handle field of the group model.
func (l *DynamicList) ResequenceGroups(ctx context.Context, movedID, targetID string) error {
	if !l.IsGrouped() {
		return fmt.Errorf("%w: list is not grouped", ErrInvalidConfig)
	}
	return l.model.mutex.Exec(ctx, func(ctx context.Context) error {
		l.mu.RLock()
		groups := l.groups
		l.mu.RUnlock()
		resModel := l.schema.fields[l.groupBy].Relation
		if resModel == "" {
			return nil
		}
		next, err := resequence(ctx, l, resModel, groups, movedID, targetID)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.groups = next
		l.mu.Unlock()
		return nil
	})
}

func (l *DynamicList) handleFieldFor(resModel string) string {
	if resModel == l.resModel {
		return l.handleField
	}
	return DefaultHandleField
}

// resequence computes the order after moving movedID onto targetID's slot,
// asks the server to renumber the affected span and returns the new order.
// items is never modified; it is returned as is when nothing was written.
func resequence[T DataPoint](ctx context.Context, l *DynamicList, resModel string, items []T, movedID, targetID string) ([]T, error) {
	handleField := l.handleFieldFor(resModel)
	if handleField == "" {
		return items, nil
	}
	from := indexOf(items, movedID)
	if from < 0 {
		return items, fmt.Errorf("%w: %s", ErrDataPointNotFound, movedID)
	}
	to := 0
	if targetID != "" {
		if to = indexOf(items, targetID); to < 0 {
			return items, fmt.Errorf("%w: %s", ErrDataPointNotFound, targetID)
		}
	}
	if l.model.rpc == nil {
		return items, ErrNoResequencer
	}

	asc := true
	for _, term := range l.OrderBy() {
		if term.Name == handleField {
			asc = term.Asc
			break
		}
	}
	first, last := min(from, to), max(from, to)+1
	reorderAll := needsFullReorder(items, handleField, asc, first, last)

	next := moveItem(items, from, to)
	var toWrite []T
	if reorderAll {
		toWrite = append(toWrite, next...)
	} else {
		toWrite = append(toWrite, next[first:last]...)
	}
	if !asc {
		for i, j := 0, len(toWrite)-1; i < j; i, j = i+1, j-1 {
			toWrite[i], toWrite[j] = toWrite[j], toWrite[i]
		}
	}

	ids := make([]int64, 0, len(toWrite))
	for _, item := range toWrite {
		if id := item.ResID(); id > 0 {
			ids = append(ids, id)
		}
	}
	params := orm.ResequenceParams{
		Model:   resModel,
		IDs:     ids,
		Field:   handleField,
		Context: l.schema.context,
	}
	if offset, ok := minSequence(toWrite, handleField); ok {
		params.Offset = &offset
	}
	l.model.logger.Debug("list.resequence",
		"model", resModel,
		"field", handleField,
		"from", from,
		"to", to,
		"full", reorderAll,
		"ids", ids,
	)
	ok, err := l.model.rpc.Resequence(ctx, params)
	if err != nil {
		return items, err
	}
	if !ok {
		return items, nil
	}

	values, err := l.model.orm.Read(ctx, resModel, ids, []string{handleField}, l.schema.context)
	if err != nil {
		return items, err
	}
	byID := indexValues(values)
	for _, item := range items {
		if v, ok := byID[item.ResID()]; ok {
			item.applyServerValues(v)
		}
	}
	return next, nil
}

// needsFullReorder reports whether renumbering only [first, last) could
// leave the list inconsistent: an element without a value, an ordering
// violation outside the span or a duplicate inside it.
func needsFullReorder[T DataPoint](items []T, field string, asc bool, first, last int) bool {
	values := make([]int64, len(items))
	for i, item := range items {
		v, ok := orm.AsInt64(item.FieldValue(field))
		if !ok {
			return true
		}
		values[i] = v
	}
	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		if i >= first && i < last {
			if prev == cur {
				return true
			}
			continue
		}
		if (asc && prev >= cur) || (!asc && prev <= cur) {
			return true
		}
	}
	return false
}

func moveItem[T any](items []T, from, to int) []T {
	next := make([]T, 0, len(items))
	next = append(next, items[:from]...)
	next = append(next, items[from+1:]...)
	moved := items[from]
	next = append(next, moved)
	copy(next[to+1:], next[to:len(next)-1])
	next[to] = moved
	return next
}

func minSequence[T DataPoint](items []T, field string) (int64, bool) {
	if len(items) == 0 {
		return 0, false
	}
	var lowest int64
	for i, item := range items {
		v, ok := orm.AsInt64(item.FieldValue(field))
		if !ok {
			return 0, false
		}
		if i == 0 || v < lowest {
			lowest = v
		}
	}
	return lowest, true
}

func indexOf[T DataPoint](items []T, id string) int {
	for i, item := range items {
		if item.ID() == id {
			return i
		}
	}
	return -1
}
