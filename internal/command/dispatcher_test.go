// internal/command/dispatcher_test.go
package command

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/plc-cloud-gateway/internal/codec"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc/sim"
)

// ---- fake source ----

type fakeSource struct {
	cmds    []Command
	marks   []string
	markErr error
}

func (f *fakeSource) PendingCommands(_ context.Context, limit int) ([]Command, error) {
	var out []Command
	for _, c := range f.cmds {
		if !c.Processed {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkProcessed(_ context.Context, id string, at time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	for i := range f.cmds {
		if f.cmds[i].ID != id {
			continue
		}
		if f.cmds[i].Processed {
			return ErrAlreadyProcessed
		}
		f.cmds[i].Processed = true
		f.cmds[i].ProcessedAt = &at
		f.marks = append(f.marks, id)
		return nil
	}
	return errors.New("not found")
}

func fp(v float64) *float64 { return &v }

func newTestDispatcher(t *testing.T, src Source, sleeps *[]time.Duration) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{
		Sleep: func(d time.Duration) { *sleeps = append(*sleeps, d) },
	}, src)
	require.NoError(t, err)
	return d
}

func connectedController(t *testing.T) *sim.Controller {
	t.Helper()
	c := sim.New(20, 1, 1)
	require.NoError(t, c.Connect(context.Background(), plc.Endpoint{Address: "sim"}))
	return c
}

// ---- tests ----

func TestDispatch_StartWithSetpoint_PulsesThenResets(t *testing.T) {
	ctrl := connectedController(t)
	ctrl.Set(plc.Merker, WindowStart, []byte{0x80}) // unrelated bit %M14.7 must survive

	src := &fakeSource{cmds: []Command{{ID: "c1", CmdStart: true, SPRefCM: fp(62.0)}}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	res, err := d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	writes := ctrl.Writes()
	require.Len(t, writes, 2)

	// pulse write: %M14.1 set, 62 at window offset 4
	assert.Equal(t, WindowStart, writes[0].Start)
	assert.Equal(t, []byte{0x82, 0, 0, 0, 0, 62}, writes[0].Data)

	// reset write after the settle delay: %M14.1 cleared, setpoint kept
	assert.Equal(t, []byte{0x80, 0, 0, 0, 0, 62}, writes[1].Data)
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, sleeps)

	// processed exactly once
	assert.Equal(t, []string{"c1"}, src.marks)
	assert.True(t, src.cmds[0].Processed)
	assert.NotNil(t, src.cmds[0].ProcessedAt)
	assert.Equal(t, "c1", d.LastAppliedID())

	// nothing left
	res, err = d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.Len(t, ctrl.Writes(), 2)
}

func TestDispatch_AllPulseBits(t *testing.T) {
	ctrl := connectedController(t)
	src := &fakeSource{cmds: []Command{{ID: "c1", CmdStart: true, CmdStop: true, CmdEstop: true}}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	_, err := d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)

	writes := ctrl.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, byte(0x0E), writes[0].Data[0])
	assert.Equal(t, byte(0x00), writes[1].Data[0])
}

func TestDispatch_SetpointOnlyDoesNotPulse(t *testing.T) {
	ctrl := connectedController(t)
	src := &fakeSource{cmds: []Command{{ID: "c1", SPRefCM: fp(55.9)}}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	_, err := d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)

	writes := ctrl.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 55}, writes[0].Data)
	assert.Empty(t, sleeps)
	assert.Equal(t, []string{"c1"}, src.marks)
}

func TestDispatch_LinkFailureLeavesCommandPending(t *testing.T) {
	ctrl := connectedController(t)
	ctrl.FailNext("write", 1)

	src := &fakeSource{cmds: []Command{{ID: "c1", CmdStop: true}}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	_, err := d.DispatchNext(context.Background(), ctrl)
	require.Error(t, err)
	assert.True(t, plc.IsLinkError(err))
	assert.Empty(t, src.marks)
	assert.False(t, src.cmds[0].Processed)
	assert.Empty(t, d.LastAppliedID())
}

func TestDispatch_MarkFailureIsNotReapplied(t *testing.T) {
	ctrl := connectedController(t)
	src := &fakeSource{
		cmds:    []Command{{ID: "c1", CmdStart: true}},
		markErr: errors.New("store unavailable"),
	}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	res, err := d.DispatchNext(context.Background(), ctrl)
	require.Error(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "c1", d.LastAppliedID())
	require.Len(t, ctrl.Writes(), 2)

	// store recovers: redelivered command is only marked, not pulsed again
	src.markErr = nil
	res, err = d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Applied)
	assert.Len(t, ctrl.Writes(), 2)
	assert.Equal(t, []string{"c1"}, src.marks)
}

func TestDispatch_InvalidSetpointIsRejected(t *testing.T) {
	ctrl := connectedController(t)
	src := &fakeSource{cmds: []Command{{ID: "bad", SPRefCM: fp(math.NaN())}, {ID: "next", CmdStart: true}}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	res, err := d.DispatchNext(context.Background(), ctrl)
	require.ErrorIs(t, err, ErrInvalidCommand)
	assert.True(t, res.Rejected)
	assert.Empty(t, ctrl.Writes())
	assert.Equal(t, []string{"bad"}, src.marks)

	// queue moves on
	res, err = d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)
	assert.Equal(t, "next", res.Command.ID)
}

func TestDispatch_MalformedIsRejected(t *testing.T) {
	ctrl := connectedController(t)
	src := &fakeSource{cmds: []Command{
		{ID: "bad", CmdStart: true, Malformed: "sp_ref_cm: invalid syntax"},
		{ID: "next", CmdStop: true},
	}}
	var sleeps []time.Duration
	d := newTestDispatcher(t, src, &sleeps)

	res, err := d.DispatchNext(context.Background(), ctrl)
	require.ErrorIs(t, err, ErrInvalidCommand)
	assert.True(t, res.Rejected)
	assert.Empty(t, ctrl.Writes())
	assert.Equal(t, []string{"bad"}, src.marks)

	res, err = d.DispatchNext(context.Background(), ctrl)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "next", res.Command.ID)
}

func TestPulseBits_ShortWindowIsBoundsError(t *testing.T) {
	var be *codec.BoundsError

	require.ErrorAs(t, setPulses(nil, true, false, false), &be)
	require.ErrorAs(t, clearPulses([]byte{}), &be)

	// no flags, nothing to encode
	require.NoError(t, setPulses(nil, false, false, false))

	w := []byte{0xFF}
	require.NoError(t, clearPulses(w))
	assert.Equal(t, byte(0xF1), w[0])
}

func TestApply_CancelledBeforeStartTouchesNothing(t *testing.T) {
	ctrl := connectedController(t)
	var sleeps []time.Duration
	d := newTestDispatcher(t, &fakeSource{}, &sleeps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Apply(ctx, ctrl, Command{ID: "c1", CmdStart: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ctrl.Writes())
}

func TestCommandString(t *testing.T) {
	c := Command{ID: "x", CmdStart: true, SPRefCM: fp(62)}
	assert.Equal(t, "id=x START sp_ref_cm=62", c.String())
	assert.Equal(t, "id=y NOOP", Command{ID: "y"}.String())
}
