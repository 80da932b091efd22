// internal/gateway/gateway_test.go
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/plc-cloud-gateway/internal/cloudsync"
	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/metrics"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc/sim"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// ---- harness ----

// countingStore counts retention deletes on top of the memory store.
type countingStore struct {
	*store.Memory
	deletes []time.Time
}

func (c *countingStore) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	c.deletes = append(c.deletes, cutoff)
	return c.Memory.DeleteTelemetryBefore(ctx, cutoff)
}

type harness struct {
	gw   *Gateway
	ctrl *sim.Controller
	st   *countingStore
	now  time.Time
}

var testCfg = Config{
	Endpoint:         plc.Endpoint{Address: "sim:502", Slot: 1},
	PollInterval:     time.Second,
	ReconnectBackoff: 5 * time.Second,
	CleanupEvery:     1000,
	Retention:        7 * 24 * time.Hour,
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	now := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctrl := sim.New(telemetry.DefaultMerkerSize, telemetry.InputSize, telemetry.OutputSize)
	st := &countingStore{Memory: store.NewMemory()}

	sampler, err := telemetry.NewSampler(telemetry.Config{Now: clock})
	require.NoError(t, err)

	cs, err := cloudsync.New(st, cloudsync.Options{Logger: quiet, Now: clock})
	require.NoError(t, err)

	disp, err := command.NewDispatcher(command.Config{Now: clock, Sleep: func(time.Duration) {}}, cs)
	require.NoError(t, err)

	gw, err := New(cfg, ctrl, sampler, disp, cs, Options{Logger: quiet, Metrics: metrics.New(), Now: clock})
	require.NoError(t, err)

	return &harness{gw: gw, ctrl: ctrl, st: st, now: now}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.Equal(t, time.Duration(0), h.gw.Tick(context.Background()))
	require.Equal(t, Connected, h.gw.Session().State())
}

func eventTypes(evs []store.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func countType(evs []store.Event, typ string) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// ---- tests ----

func TestTick_ConnectThenPublish(t *testing.T) {
	h := newHarness(t, testCfg)
	assert.Equal(t, Disconnected, h.gw.Session().State())
	assert.False(t, h.gw.Healthy())

	h.connect(t)
	assert.True(t, h.gw.Healthy())

	h.ctrl.Set(plc.Merker, 0, []byte{0x08, 0, 0, 45, 0, 50})

	delay := h.gw.Tick(context.Background())
	assert.Equal(t, time.Second, delay)

	snaps := h.st.Telemetry()
	require.Len(t, snaps, 1)
	assert.Equal(t, 45, snaps[0].LevelRaw)
	assert.Equal(t, 50, snaps[0].Setpoint)

	sum, ok := h.st.Status()
	require.True(t, ok)
	assert.Equal(t, status.HealthOK, sum.Health)
	assert.True(t, sum.SystemRunning)

	assert.Equal(t, []string{cloudsync.EventPLCConnected}, eventTypes(h.st.Events()))
}

func TestTick_ReadFailureDisconnectsWithoutPublish(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)

	h.ctrl.FailNext("read", 1)
	delay := h.gw.Tick(context.Background())

	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, Disconnected, h.gw.Session().State())
	assert.False(t, h.ctrl.Connected())
	assert.Empty(t, h.st.Telemetry())
	require.Error(t, h.gw.Session().LastError())
	assert.Equal(t, h.now, h.gw.Session().DisconnectedSince())

	sum, ok := h.st.Status()
	require.True(t, ok)
	assert.Equal(t, status.HealthError, sum.Health)
	assert.Equal(t, h.now, sum.DisconnectedSince)

	assert.Equal(t, 1, countType(h.st.Events(), cloudsync.EventPLCDisconnected))

	// next tick reconnects immediately
	assert.Equal(t, time.Duration(0), h.gw.Tick(context.Background()))
	assert.Equal(t, Connected, h.gw.Session().State())
	assert.Equal(t, 2, h.ctrl.Connects())
	assert.True(t, h.gw.Session().DisconnectedSince().IsZero())
}

func TestTick_ConnectFailureBacksOff(t *testing.T) {
	h := newHarness(t, testCfg)
	h.ctrl.FailNext("connect", 2)

	assert.Equal(t, 5*time.Second, h.gw.Tick(context.Background()))
	assert.Equal(t, 5*time.Second, h.gw.Tick(context.Background()))
	assert.Equal(t, Disconnected, h.gw.Session().State())

	// degraded status published once per outage
	sum, ok := h.st.Status()
	require.True(t, ok)
	assert.Equal(t, status.HealthError, sum.Health)

	assert.Equal(t, time.Duration(0), h.gw.Tick(context.Background()))
	assert.Equal(t, 1, h.ctrl.Connects())
}

func TestTick_CleanupEveryN(t *testing.T) {
	h := newHarness(t, testCfg)
	ctx := context.Background()

	old := h.now.Add(-testCfg.Retention - time.Minute)
	require.NoError(t, h.st.AppendTelemetry(ctx, telemetry.Snapshot{Timestamp: old}))

	h.connect(t)
	for i := 0; i < 999; i++ {
		h.gw.Tick(ctx)
	}
	assert.Empty(t, h.st.deletes)

	h.gw.Tick(ctx)
	require.Len(t, h.st.deletes, 1)
	assert.Equal(t, h.now.Add(-testCfg.Retention), h.st.deletes[0])

	// the old record is gone, every fresh one survives
	snaps := h.st.Telemetry()
	assert.Len(t, snaps, 1000)
	for _, s := range snaps {
		assert.False(t, s.Timestamp.Before(h.now.Add(-testCfg.Retention)))
	}
	assert.Equal(t, 1, countType(h.st.Events(), cloudsync.EventRetentionCleanup))
}

func TestTick_AppliesOneCommand(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)

	sp := 62.0
	id := h.st.InsertCommand(command.Command{CmdStart: true, SPRefCM: &sp, CreatedAt: h.now})
	h.st.InsertCommand(command.Command{CmdStop: true, CreatedAt: h.now.Add(time.Second)})

	h.gw.Tick(context.Background())

	writes := h.ctrl.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 62}, writes[0].Data)
	assert.Equal(t, []byte{0x00, 0, 0, 0, 0, 62}, writes[1].Data)

	var processed []string
	for _, c := range h.st.Commands() {
		if c.Processed {
			processed = append(processed, c.ID)
		}
	}
	assert.Equal(t, []string{id}, processed)

	evs := h.st.Events()
	require.Equal(t, 1, countType(evs, cloudsync.EventCommandApplied))
	for _, e := range evs {
		if e.Type == cloudsync.EventCommandApplied {
			assert.Equal(t, "id="+id+" START sp_ref_cm=62", e.Details)
		}
	}
}

func TestDispatch_CancelledBeforeWriteIsQuiet(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)

	var logs bytes.Buffer
	h.gw.log = slog.New(slog.NewTextHandler(&logs, nil))

	h.st.InsertCommand(command.Command{CmdStart: true})
	before := len(h.st.Events())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	delay, dropped := h.gw.dispatch(ctx)
	assert.Equal(t, time.Duration(0), delay)
	assert.False(t, dropped)
	assert.Equal(t, Connected, h.gw.Session().State())
	assert.Empty(t, h.ctrl.Writes())
	assert.Len(t, h.st.Events(), before)
	assert.NotContains(t, logs.String(), "command sync failed")

	require.Len(t, h.st.Commands(), 1)
	assert.False(t, h.st.Commands()[0].Processed)
}

func TestTick_CommandWriteFailureDisconnects(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)

	h.st.InsertCommand(command.Command{CmdEstop: true})
	h.ctrl.FailNext("write", 1)

	assert.Equal(t, 5*time.Second, h.gw.Tick(context.Background()))
	assert.Equal(t, Disconnected, h.gw.Session().State())

	// telemetry from this tick was already published; the command stays pending
	assert.Len(t, h.st.Telemetry(), 1)
	pending, err := h.st.PendingCommands(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTick_RejectedCommandDoesNotDisconnect(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)

	huge := 1e9
	h.st.InsertCommand(command.Command{SPRefCM: &huge})

	assert.Equal(t, time.Second, h.gw.Tick(context.Background()))
	assert.Equal(t, Connected, h.gw.Session().State())
	assert.Empty(t, h.ctrl.Writes())
	assert.Equal(t, 1, countType(h.st.Events(), cloudsync.EventCommandRejected))
}

func TestTick_AlarmRisingEdges(t *testing.T) {
	h := newHarness(t, testCfg)
	h.connect(t)
	ctx := context.Background()

	low := byte(1 << telemetry.BitLowLevel)

	h.ctrl.Set(plc.Input, 0, []byte{low})
	h.gw.Tick(ctx)
	h.gw.Tick(ctx)
	assert.Equal(t, 1, countType(h.st.Events(), cloudsync.EventAlarmLowLevel))

	h.ctrl.Set(plc.Input, 0, []byte{0})
	h.gw.Tick(ctx)
	h.ctrl.Set(plc.Input, 0, []byte{low})
	h.gw.Tick(ctx)
	assert.Equal(t, 2, countType(h.st.Events(), cloudsync.EventAlarmLowLevel))
	assert.Equal(t, 0, countType(h.st.Events(), cloudsync.EventAlarmHighLevel))
}

func TestRun_StopsAndDisconnects(t *testing.T) {
	cfg := testCfg
	cfg.PollInterval = time.Millisecond
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gw.Run(ctx) }()

	require.Eventually(t, func() bool { return h.ctrl.Connects() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, h.ctrl.Connected())
	assert.Equal(t, Disconnected, h.gw.Session().State())

	evs := h.st.Events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, cloudsync.EventPLCDisconnected, last.Type)
	assert.Equal(t, "shutdown", last.Details)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, uint16(0), ErrorCode(nil))
	assert.Equal(t, uint16(1), ErrorCode(fmt.Errorf("boom")))

	mbErr := &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}
	assert.Equal(t, uint16(2), ErrorCode(plc.Wrap("read", plc.Merker, mbErr)))

	wrapped := fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	assert.Equal(t, uint16(syscall.ECONNREFUSED), ErrorCode(wrapped))
}
