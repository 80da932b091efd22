// internal/command/dispatcher.go
package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/codec"
	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// DefaultSettleDelay is how long a pulse bit is held before reset.
// The PLC program edge-triggers on these bits.
const DefaultSettleDelay = 300 * time.Millisecond

// Source is the exact store contract the dispatcher uses.
type Source interface {
	PendingCommands(ctx context.Context, limit int) ([]Command, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

// Config is the dispatcher runtime config.
type Config struct {
	SettleDelay time.Duration
	Now         func() time.Time
	Sleep       func(time.Duration) // plain timed wait; not cancellable
}

// Result describes what one DispatchNext call did.
type Result struct {
	Command  *Command
	Applied  bool
	Rejected bool // invalid command, marked processed without touching the PLC
	Skipped  bool // same id as the last applied command; only the mark was retried
}

// Dispatcher drains pending commands into controller memory, one at a time.
// It holds no goroutines; concurrency is exactly one.
type Dispatcher struct {
	cfg    Config
	source Source

	lastAppliedID string
}

// NewDispatcher creates a dispatcher over a command source.
func NewDispatcher(cfg Config, source Source) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.New("dispatcher: command source required")
	}
	if cfg.SettleDelay < 0 {
		return nil, errors.New("dispatcher: settle delay must be >= 0")
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Dispatcher{cfg: cfg, source: source}, nil
}

// LastAppliedID is the in-memory idempotency guard. It resets on restart.
func (d *Dispatcher) LastAppliedID() string { return d.lastAppliedID }

// FetchPending returns unprocessed commands, oldest first, at most limit.
func (d *Dispatcher) FetchPending(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 1
	}
	cmds, err := d.source.PendingCommands(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds, nil
}

// DispatchNext fetches at most one pending command, applies it and marks it processed.
//
// Errors: link failures come back untouched (the caller reconnects and the
// command stays pending); store failures come back untouched (logged, retried
// next cycle).
func (d *Dispatcher) DispatchNext(ctx context.Context, link plc.Link) (Result, error) {
	cmds, err := d.FetchPending(ctx, 1)
	if err != nil {
		return Result{}, err
	}
	if len(cmds) == 0 {
		return Result{}, nil
	}

	cmd := cmds[0]
	res := Result{Command: &cmd}

	// Already on the controller: only the mark failed last time.
	if cmd.ID != "" && cmd.ID == d.lastAppliedID {
		res.Skipped = true
		return res, d.mark(ctx, cmd.ID)
	}

	if err := d.Apply(ctx, link, cmd); err != nil {
		if errors.Is(err, ErrInvalidCommand) {
			res.Rejected = true
			if merr := d.mark(ctx, cmd.ID); merr != nil {
				return res, merr
			}
			return res, err
		}
		return res, err
	}

	res.Applied = true
	d.lastAppliedID = cmd.ID

	return res, d.mark(ctx, cmd.ID)
}

func (d *Dispatcher) mark(ctx context.Context, id string) error {
	err := d.source.MarkProcessed(ctx, id, d.cfg.Now())
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// Apply writes one command into the command window with pulse-then-reset semantics.
//
//  1. read the window
//  2. set one bit per true flag
//  3. encode the setpoint, if present
//  4. write the window back
//  5. if a pulse bit was set: hold, re-read, clear all pulse bits, write back
//
// Once the first write is issued the sequence runs to completion even if ctx
// is cancelled, so the controller is never left mid-pulse.
func (d *Dispatcher) Apply(ctx context.Context, link plc.Link, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Malformed != "" {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, cmd.Malformed)
	}

	var sp int16
	if cmd.SPRefCM != nil {
		v, err := setpointWord(*cmd.SPRefCM)
		if err != nil {
			return err
		}
		sp = v
	}

	window, err := d.readWindow(ctx, link)
	if err != nil {
		return err
	}

	if err := setPulses(window, cmd.CmdStart, cmd.CmdStop, cmd.CmdEstop); err != nil {
		return err
	}
	if cmd.SPRefCM != nil {
		if err := codec.EncodeI16(window, SetpointOffset, sp); err != nil {
			return err
		}
	}

	wctx := context.WithoutCancel(ctx)

	if err := link.WriteRegion(wctx, plc.Merker, WindowStart, window); err != nil {
		return err
	}

	if !cmd.HasPulse() {
		return nil
	}

	d.cfg.Sleep(d.cfg.SettleDelay)

	reset, err := d.readWindow(wctx, link)
	if err != nil {
		return err
	}
	if err := clearPulses(reset); err != nil {
		return err
	}

	return link.WriteRegion(wctx, plc.Merker, WindowStart, reset)
}

// setPulses raises the bits whose flag is true and leaves the others untouched.
func setPulses(window []byte, start, stop, estop bool) error {
	for _, p := range []struct {
		on  bool
		bit int
	}{{start, BitStart}, {stop, BitStop}, {estop, BitEstop}} {
		if !p.on {
			continue
		}
		if err := codec.EncodeBit(window, 0, p.bit, true); err != nil {
			return err
		}
	}
	return nil
}

func clearPulses(window []byte) error {
	for _, bit := range []int{BitStart, BitStop, BitEstop} {
		if err := codec.EncodeBit(window, 0, bit, false); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) readWindow(ctx context.Context, link plc.Link) ([]byte, error) {
	buf, err := link.ReadRegion(ctx, plc.Merker, WindowStart, WindowLen)
	if err != nil {
		return nil, err
	}
	if len(buf) != WindowLen {
		return nil, plc.Wrap("read", plc.Merker, fmt.Errorf("command window: got %d bytes, want %d", len(buf), WindowLen))
	}
	// never mutate the link's buffer
	return append([]byte(nil), buf...), nil
}

// setpointWord truncates sp to the PLC Int range.
func setpointWord(sp float64) (int16, error) {
	if math.IsNaN(sp) || math.IsInf(sp, 0) {
		return 0, fmt.Errorf("%w: setpoint %v", ErrInvalidCommand, sp)
	}
	v := math.Trunc(sp)
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%w: setpoint %v outside Int range", ErrInvalidCommand, sp)
	}
	return int16(v), nil
}
