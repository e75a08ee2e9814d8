package listctl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/orm"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Subscriber streams change events, see orm.HTTPClient.Subscribe.
type Subscriber interface {
	Subscribe(ctx context.Context, models []string, handle func(orm.ChangeEvent)) error
}

type MirrorOptions struct {
	SnapshotFile string
	Columns      []string
	Logger       Logger
	// Now stamps snapshots; defaults to time.Now.
	Now func() time.Time
}

// Mirror keeps a JSON snapshot file of a list in step with the server. The
// file is rewritten only when the rendered content changes.
type Mirror struct {
	list         *datalist.DynamicList
	columns      []string
	snapshotFile string
	logger       Logger
	now          func() time.Time

	lastHash string

	eventMu     sync.Mutex
	lastEventID string
}

type Snapshot struct {
	Model       string           `json:"model"`
	Count       int              `json:"count"`
	Offset      int              `json:"offset"`
	Limit       int              `json:"limit"`
	Records     []SnapshotRecord `json:"records,omitempty"`
	Groups      []SnapshotGroup  `json:"groups,omitempty"`
	LastEventID string           `json:"lastEventId,omitempty"`
	SyncedAt    string           `json:"syncedAt"`
	Columns     []string         `json:"columns"`
}

type SnapshotRecord struct {
	ResID  int64          `json:"resId"`
	Values map[string]any `json:"values"`
}

type SnapshotGroup struct {
	Name    string           `json:"name"`
	Count   int              `json:"count"`
	Folded  bool             `json:"folded,omitempty"`
	Records []SnapshotRecord `json:"records,omitempty"`
}

func NewMirror(list *datalist.DynamicList, opts MirrorOptions) (*Mirror, error) {
	if list == nil {
		return nil, fmt.Errorf("list is required")
	}
	snapshotFile := strings.TrimSpace(opts.SnapshotFile)
	if snapshotFile == "" {
		return nil, fmt.Errorf("snapshot file is required")
	}
	if err := os.MkdirAll(filepath.Dir(snapshotFile), 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Mirror{
		list:         list,
		columns:      append([]string(nil), opts.Columns...),
		snapshotFile: snapshotFile,
		logger:       opts.Logger,
		now:          now,
	}
	if data, err := os.ReadFile(snapshotFile); err == nil {
		var previous Snapshot
		if json.Unmarshal(data, &previous) == nil {
			m.lastEventID = previous.LastEventID
			m.lastHash = snapshotHash(previous)
		}
	}
	return m, nil
}

// SyncOnce reloads the list and rewrites the snapshot if it changed.
func (m *Mirror) SyncOnce(ctx context.Context) (bool, error) {
	if err := m.list.Load(ctx, datalist.LoadParams{}); err != nil {
		return false, err
	}
	snapshot := m.snapshot()
	hash := snapshotHash(snapshot)
	if hash == m.lastHash {
		return false, nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(m.snapshotFile, append(data, '\n'), 0o644); err != nil {
		return false, err
	}
	m.lastHash = hash
	m.logf("snapshot updated: %s (%d records)", m.snapshotFile, snapshot.Count)
	return true, nil
}

// Run syncs once, then again whenever a change event for the list's model
// arrives or the jittered interval elapses. The subscription reconnects
// after failures; sample supplies the jitter randomness in [0, 1).
func (m *Mirror) Run(ctx context.Context, sub Subscriber, interval time.Duration, jitterRatio float64, sample func() float64) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	changed := make(chan struct{}, 1)
	if sub != nil {
		go m.follow(ctx, sub, interval, jitterRatio, sample, changed)
	}

	m.syncLogged(ctx)
	timer := time.NewTimer(JitteredInterval(interval, jitterRatio, sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			m.syncLogged(ctx)
		case <-timer.C:
			m.syncLogged(ctx)
			timer.Reset(JitteredInterval(interval, jitterRatio, sample()))
		}
	}
}

func (m *Mirror) follow(ctx context.Context, sub Subscriber, interval time.Duration, jitterRatio float64, sample func() float64, changed chan<- struct{}) {
	model := m.list.ResModel()
	for ctx.Err() == nil {
		err := sub.Subscribe(ctx, []string{model}, func(event orm.ChangeEvent) {
			if event.Model != model {
				return
			}
			m.eventMu.Lock()
			m.lastEventID = event.EventID
			m.eventMu.Unlock()
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logf("change subscription failed: %v", err)
		}
		// Resync after a reconnect: events may have been missed.
		select {
		case changed <- struct{}{}:
		default:
		}
		delay := JitteredInterval(interval/4, jitterRatio, sample())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Mirror) syncLogged(ctx context.Context) {
	if _, err := m.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logf("list sync failed: %v", err)
	}
}

func (m *Mirror) snapshot() Snapshot {
	m.eventMu.Lock()
	lastEventID := m.lastEventID
	m.eventMu.Unlock()
	out := Snapshot{
		Model:       m.list.ResModel(),
		Count:       m.list.Count(),
		Offset:      m.list.Offset(),
		Limit:       m.list.Limit(),
		LastEventID: lastEventID,
		SyncedAt:    m.now().UTC().Format(time.RFC3339Nano),
		Columns:     m.columns,
	}
	if m.list.IsGrouped() {
		for _, group := range m.list.Groups() {
			out.Groups = append(out.Groups, SnapshotGroup{
				Name:    group.DisplayName(),
				Count:   group.Count(),
				Folded:  group.Folded(),
				Records: m.records(group.Records()),
			})
		}
		return out
	}
	out.Records = m.records(m.list.Records())
	return out
}

func (m *Mirror) records(records []*datalist.Record) []SnapshotRecord {
	out := make([]SnapshotRecord, 0, len(records))
	for _, rec := range records {
		values := map[string]any{}
		for _, column := range m.columns {
			values[column] = rec.FieldValue(column)
		}
		out = append(out, SnapshotRecord{ResID: rec.ResID(), Values: values})
	}
	return out
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// snapshotHash ignores the bookkeeping fields so that a resync without
// content changes leaves the file alone.
func snapshotHash(s Snapshot) string {
	s.SyncedAt = ""
	s.LastEventID = ""
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(bytes.TrimSpace(data))
	return hex.EncodeToString(sum[:])
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio; sample 0 gives the
// shortest delay, 1 the longest.
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
