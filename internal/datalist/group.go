package datalist

import (
	"sync"

	"github.com/agentworkforce/relaylist/internal/orm"
)

// Group is one group of a grouped list. Its ResID is the id of the grouping
// value in the group model (a stage id for a list grouped by stage), zero
// for the "none" group or non-relational groupings.
type Group struct {
	id       string
	resModel string

	mu          sync.RWMutex
	resID       int64
	value       any
	displayName string
	count       int
	domain      orm.Domain
	values      orm.Values
	records     []*Record
	folded      bool
}

func (g *Group) ID() string {
	return g.id
}

// ResModel is the group model, the relation of the grouping field.
func (g *Group) ResModel() string {
	return g.resModel
}

func (g *Group) ResID() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resID
}

// GroupValue is the raw grouping value as returned by read_group.
func (g *Group) GroupValue() any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

func (g *Group) DisplayName() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.displayName
}

func (g *Group) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.count
}

func (g *Group) Domain() orm.Domain {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append(orm.Domain(nil), g.domain...)
}

func (g *Group) Records() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Record(nil), g.records...)
}

func (g *Group) Folded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.folded
}

func (g *Group) FieldValue(name string) any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.values[name]
}

func (g *Group) setRecords(records []*Record) {
	g.mu.Lock()
	g.records = records
	g.mu.Unlock()
}

func (g *Group) removeRecords(drop map[*Record]struct{}) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.records[:0:0]
	for _, rec := range g.records {
		if _, ok := drop[rec]; !ok {
			kept = append(kept, rec)
		}
	}
	removed := len(g.records) - len(kept)
	g.records = kept
	g.count -= removed
	if g.count < 0 {
		g.count = 0
	}
	return removed
}

// applyServerValues assigns raw field values; groups have no change set.
func (g *Group) applyServerValues(values orm.Values) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.values == nil {
		g.values = orm.Values{}
	}
	for key, value := range values {
		if key == "id" {
			continue
		}
		g.values[key] = value
	}
}
