// Package datalist keeps an in-memory, server-backed collection of records
// (or groups of records) consistent with a remote ORM while the user edits,
// reorders and bulk-mutates it.
//
// Every mutating operation of every list built from the same Model runs
// through the Model's FIFO Mutex, so remote calls issued by one operation
// never interleave with another's.
package datalist

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const (
	DefaultActiveIDsLimit = 20000
	DefaultLimit          = 80
	DefaultHandleField    = "sequence"
)

var (
	ErrInvalidConfig     = errors.New("invalid list config")
	ErrDataPointNotFound = errors.New("data point not found")
	ErrNoResequencer     = errors.New("no resequence endpoint configured")
	ErrWriteRejected     = errors.New("write rejected by server")
	ErrGroupedList       = errors.New("operation not supported on grouped lists")
	ErrEditInProgress    = errors.New("edited record could not leave edit mode")
)

type Options struct {
	ORM           orm.Client
	RPC           orm.Resequencer
	Dialogs       DialogService
	Notifications NotificationService
	Actions       ActionService
	Hooks         Hooks
	Logger        *slog.Logger
	// ActiveIDsLimit bounds how many ids a domain-wide selection resolves to.
	ActiveIDsLimit int
}

// Model owns the collaborators and the mutex shared by its lists.
type Model struct {
	orm            orm.Client
	rpc            orm.Resequencer
	dialogs        DialogService
	notifications  NotificationService
	actions        ActionService
	hooks          Hooks
	logger         *slog.Logger
	activeIDsLimit int
	mutex          *Mutex

	urgentSave atomic.Bool
	nextID     atomic.Uint64

	listsMu sync.Mutex
	lists   []*DynamicList
}

func NewModel(opts Options) (*Model, error) {
	if opts.ORM == nil {
		return nil, fmt.Errorf("%w: orm client is required", ErrInvalidConfig)
	}
	rpc := opts.RPC
	if rpc == nil {
		if r, ok := opts.ORM.(orm.Resequencer); ok {
			rpc = r
		}
	}
	m := &Model{
		orm:            opts.ORM,
		rpc:            rpc,
		dialogs:        opts.Dialogs,
		notifications:  opts.Notifications,
		actions:        opts.Actions,
		hooks:          opts.Hooks,
		logger:         opts.Logger,
		activeIDsLimit: opts.ActiveIDsLimit,
		mutex:          NewMutex(),
	}
	if m.dialogs == nil {
		m.dialogs = discardDialogs{}
	}
	if m.notifications == nil {
		m.notifications = discardNotifications{}
	}
	if m.actions == nil {
		m.actions = closingActions{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.activeIDsLimit <= 0 {
		m.activeIDsLimit = DefaultActiveIDsLimit
	}
	return m, nil
}

func (m *Model) Mutex() *Mutex {
	return m.mutex
}

func (m *Model) ActiveIDsLimit() int {
	return m.activeIDsLimit
}

// SetUrgentSave switches the model into (or out of) urgent save mode, in
// which leaving edit mode saves without validating the record first.
func (m *Model) SetUrgentSave(urgent bool) {
	m.urgentSave.Store(urgent)
}

func (m *Model) UrgentSave() bool {
	return m.urgentSave.Load()
}

// NewList builds an empty list; call Load to fetch its content.
func (m *Model) NewList(cfg Config) (*DynamicList, error) {
	l, err := newDynamicList(m, cfg)
	if err != nil {
		return nil, err
	}
	m.listsMu.Lock()
	m.lists = append(m.lists, l)
	m.listsMu.Unlock()
	return l, nil
}

// Detach stops tracking a list that is no longer displayed.
func (m *Model) Detach(l *DynamicList) {
	m.listsMu.Lock()
	defer m.listsMu.Unlock()
	kept := m.lists[:0]
	for _, existing := range m.lists {
		if existing != l {
			kept = append(kept, existing)
		}
	}
	m.lists = kept
}

func (m *Model) nextDataPointID() string {
	return fmt.Sprintf("datapoint_%d", m.nextID.Add(1))
}

// updateSimilarRecords copies server values onto every other in-memory
// record of the same model and id.
func (m *Model) updateSimilarRecords(origin *Record, values orm.Values) {
	m.listsMu.Lock()
	lists := append([]*DynamicList(nil), m.lists...)
	m.listsMu.Unlock()
	for _, l := range lists {
		if l.resModel != origin.schema.resModel {
			continue
		}
		for _, rec := range l.Records() {
			if rec == origin || rec.ResID() != origin.ResID() {
				continue
			}
			rec.applyValues(values)
		}
	}
}
