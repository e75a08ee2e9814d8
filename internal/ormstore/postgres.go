package ormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/relaylist/internal/orm"
)

const (
	postgresStateTable        = "relaylist_state"
	postgresEventTable        = "relaylist_events"
	postgresDefaultKey        = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresConn opens the database lazily on first use and runs the schema
// statements once.
type postgresConn struct {
	dsn    string
	schema []string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (c *postgresConn) ready() (*sql.DB, error) {
	if c == nil {
		return nil, ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range c.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.db, c.initErr
}

func (c *postgresConn) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// PostgresStateBackend stores the whole snapshot as one JSON document row.
type PostgresStateBackend struct {
	conn     *postgresConn
	table    string
	stateKey string
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newPostgresStateBackend(dsn, postgresStateTable, sql.Open), nil
}

func newPostgresStateBackend(dsn, table string, open sqlOpenFunc) *PostgresStateBackend {
	return &PostgresStateBackend{
		table:    table,
		stateKey: postgresDefaultKey,
		conn: &postgresConn{
			dsn:    dsn,
			openDB: open,
			schema: []string{fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					state_key TEXT PRIMARY KEY,
					snapshot TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(table))},
		},
	}
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	db, err := b.conn.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var payload string
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.table))
	err = db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	db, err := b.conn.ready()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.table))
	_, err = db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil {
		return nil
	}
	return b.conn.close()
}

// PostgresEventQueue is a bounded FIFO of change events shared by every
// server process pointing at the same database.
type PostgresEventQueue struct {
	conn         *postgresConn
	table        string
	queueKey     string
	capacity     int
	pollInterval time.Duration
}

func NewPostgresEventQueue(dsn string, capacity int) (EventQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newPostgresEventQueue(dsn, postgresEventTable, postgresDefaultKey, capacity, sql.Open), nil
}

func newPostgresEventQueue(dsn, table, queueKey string, capacity int, open sqlOpenFunc) *PostgresEventQueue {
	if capacity <= 0 {
		capacity = defaultEventQueueCapacity
	}
	quoted := postgresQuoteIdentifier(table)
	return &PostgresEventQueue{
		table:        table,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		conn: &postgresConn{
			dsn:    dsn,
			openDB: open,
			schema: []string{
				fmt.Sprintf(`
					CREATE TABLE IF NOT EXISTS %s (
						id BIGSERIAL PRIMARY KEY,
						queue_key TEXT NOT NULL,
						payload TEXT NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`, quoted),
				fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
					postgresQuoteIdentifier(table+"_queue_key_id_idx"), quoted),
			},
		},
	}
}

func (q *PostgresEventQueue) TryEnqueue(event orm.ChangeEvent) bool {
	if q == nil || event.EventID == "" {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	db, err := q.conn.ready()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	// Serialize producers so the capacity check and the insert agree.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.table, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.table))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload) VALUES ($1, $2)", postgresQuoteIdentifier(q.table))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresEventQueue) Dequeue(ctx context.Context) (orm.ChangeEvent, bool) {
	if q == nil {
		return orm.ChangeEvent{}, false
	}
	for {
		if payload, ok := q.tryDequeue(ctx); ok {
			var event orm.ChangeEvent
			if err := json.Unmarshal([]byte(payload), &event); err == nil && event.EventID != "" {
				return event, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return orm.ChangeEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresEventQueue) tryDequeue(ctx context.Context) (string, bool) {
	db, err := q.conn.ready()
	if err != nil {
		return "", false
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_key = $1
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, postgresQuoteIdentifier(q.table))
	var payload string
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&payload); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	db, err := q.conn.ready()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.table))
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresEventQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.conn.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(table, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
