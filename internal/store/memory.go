// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Memory is an in-process Store for dry runs and tests.
// It also plays the dashboard side through InsertCommand.
type Memory struct {
	mu sync.Mutex

	telemetry []telemetry.Snapshot
	commands  []command.Command
	events    []Event
	status    *status.Summary

	now func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// InsertCommand appends a command the way the dashboard does and returns its id.
func (m *Memory) InsertCommand(c command.Command) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.Processed = false
	c.ProcessedAt = nil
	m.commands = append(m.commands, c)
	return c.ID
}

// Commands returns a copy of every command, processed or not.
func (m *Memory) Commands() []command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.Command(nil), m.commands...)
}

// Telemetry returns a copy of the stored snapshots.
func (m *Memory) Telemetry() []telemetry.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Snapshot(nil), m.telemetry...)
}

// Events returns a copy of the event log.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Status returns the current-status record.
func (m *Memory) Status() (status.Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return status.Summary{}, false
	}
	return *m.status, true
}

// ---- Store ----

func (m *Memory) AppendTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return Wrap("append", DefaultTelemetryCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, snap)
	return nil
}

func (m *Memory) UpsertStatus(ctx context.Context, s status.Summary) error {
	if err := ctx.Err(); err != nil {
		return Wrap("upsert", DefaultStatusCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &s
	return nil
}

func (m *Memory) PendingCommands(ctx context.Context, limit int) ([]command.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, Wrap("query", DefaultCommandsCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []command.Command
	for _, c := range m.commands {
		if !c.Processed {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return Wrap("update", DefaultCommandsCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.commands {
		if m.commands[i].ID != id {
			continue
		}
		if m.commands[i].Processed {
			return Wrap("update", DefaultCommandsCollection, ErrAlreadyProcessed)
		}
		m.commands[i].Processed = true
		m.commands[i].ProcessedAt = &at
		return nil
	}
	return Wrap("update", DefaultCommandsCollection, ErrNotFound)
}

func (m *Memory) AppendEvent(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return Wrap("append", DefaultEventsCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Wrap("delete", DefaultTelemetryCollection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.telemetry[:0]
	deleted := 0
	for _, s := range m.telemetry {
		if s.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	m.telemetry = kept
	return deleted, nil
}

func (m *Memory) Close() error { return nil }
