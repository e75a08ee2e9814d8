package ormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const defaultEventQueueCapacity = 1024

// EventQueue buffers change events between the store and bus subscribers.
// TryEnqueue never blocks; a full queue rejects the event.
type EventQueue interface {
	TryEnqueue(event orm.ChangeEvent) bool
	Dequeue(ctx context.Context) (orm.ChangeEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEventQueue struct {
	ch chan orm.ChangeEvent
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = defaultEventQueueCapacity
	}
	return &inMemoryEventQueue{ch: make(chan orm.ChangeEvent, capacity)}
}

func (q *inMemoryEventQueue) TryEnqueue(event orm.ChangeEvent) bool {
	if q == nil || event.EventID == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (orm.ChangeEvent, bool) {
	if q == nil {
		return orm.ChangeEvent{}, false
	}
	select {
	case event := <-q.ch:
		return event, true
	case <-ctx.Done():
		return orm.ChangeEvent{}, false
	}
}

func (q *inMemoryEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}

// fileEventQueue keeps pending events in a JSON file so they survive a
// restart of the server.
type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []orm.ChangeEvent
}

type fileEventQueueState struct {
	Items []orm.ChangeEvent `json:"items"`
}

func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultEventQueueCapacity
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []orm.ChangeEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) TryEnqueue(event orm.ChangeEvent) bool {
	if event.EventID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Dequeue(ctx context.Context) (orm.ChangeEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]orm.ChangeEvent{event}, q.items...)
			} else {
				q.mu.Unlock()
				return event, true
			}
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return orm.ChangeEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

func (q *fileEventQueue) Close() error {
	return nil
}

func (q *fileEventQueue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state fileEventQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Items) > q.capacity {
		state.Items = state.Items[len(state.Items)-q.capacity:]
	}
	q.items = append(q.items[:0], state.Items...)
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	data, err := json.Marshal(fileEventQueueState{Items: q.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}

// BuildEventQueueFromDSN returns nil for an empty DSN; the store then falls
// back to an in-memory queue.
func BuildEventQueueFromDSN(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupEventQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEventQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryEventQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEventQueue(dsn, capacity)
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: event queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event queue scheme: %s", scheme)
	}
}
