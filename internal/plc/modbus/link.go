// internal/plc/modbus/link.go
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// Config is the Modbus mapping of the controller memory areas.
//
// Merker byte n lives in holding register MerkerBase + n/2 (big-endian word).
// Input byte n bit b is discrete input InputBase + 8n + b.
// Output byte n bit b is coil OutputBase + 8n + b.
type Config struct {
	Timeout    time.Duration
	MerkerBase uint16
	InputBase  uint16
	OutputBase uint16
}

// client is the subset of modbus.Client the link uses.
type client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

type dialFunc func(ep plc.Endpoint, timeout time.Duration) (client, func() error, error)

// Link implements plc.Link over Modbus TCP.
// It serializes requests; one session per controller.
type Link struct {
	cfg  Config
	dial dialFunc

	mu    sync.Mutex
	cli   client
	close func() error
}

// New returns a disconnected link.
func New(cfg Config) *Link {
	return &Link{cfg: cfg, dial: dialTCP}
}

func dialTCP(ep plc.Endpoint, timeout time.Duration) (client, func() error, error) {
	h := modbus.NewTCPClientHandler(ep.Address)
	h.Timeout = timeout
	h.SlaveId = byte(ep.Slot)

	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h.Close, nil
}

// Connect opens the TCP session. Slot selects the Modbus unit id.
func (l *Link) Connect(ctx context.Context, ep plc.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return plc.Wrap("connect", 0, err)
	}
	if ep.Address == "" {
		return plc.Wrap("connect", 0, errors.New("address required"))
	}
	if ep.Rack != 0 {
		return plc.Wrap("connect", 0, fmt.Errorf("rack %d not addressable over modbus", ep.Rack))
	}
	if ep.Slot < 0 || ep.Slot > 247 {
		return plc.Wrap("connect", 0, fmt.Errorf("slot %d out of unit id range", ep.Slot))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnectLocked()

	cli, closeFn, err := l.dial(ep, l.cfg.Timeout)
	if err != nil {
		return plc.Wrap("connect", 0, err)
	}
	l.cli = cli
	l.close = closeFn
	return nil
}

// Disconnect closes the session. Safe to call when already closed.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return plc.Wrap("disconnect", 0, l.disconnectLocked())
}

func (l *Link) disconnectLocked() error {
	var err error
	if l.close != nil {
		err = l.close()
	}
	l.cli = nil
	l.close = nil
	return err
}

// ReadRegion reads length bytes of kind starting at byte start.
func (l *Link) ReadRegion(ctx context.Context, kind plc.RegionKind, start, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, plc.Wrap("read", kind, err)
	}
	if start < 0 || length <= 0 {
		return nil, plc.Wrap("read", kind, fmt.Errorf("invalid span start=%d length=%d", start, length))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cli == nil {
		return nil, plc.Wrap("read", kind, plc.ErrNotConnected)
	}

	var (
		raw  []byte
		skip int
		err  error
	)

	switch kind {
	case plc.Merker:
		first := start / 2
		last := (start + length - 1) / 2
		skip = start % 2
		raw, err = l.cli.ReadHoldingRegisters(l.cfg.MerkerBase+uint16(first), uint16(last-first+1))
	case plc.Input:
		raw, err = l.cli.ReadDiscreteInputs(l.cfg.InputBase+uint16(start*8), uint16(length*8))
	case plc.Output:
		raw, err = l.cli.ReadCoils(l.cfg.OutputBase+uint16(start*8), uint16(length*8))
	default:
		return nil, plc.Wrap("read", kind, errors.New("unsupported region"))
	}
	if err != nil {
		return nil, plc.Wrap("read", kind, err)
	}
	if len(raw) < skip+length {
		return nil, plc.Wrap("read", kind, fmt.Errorf("short read: got=%d want=%d", len(raw), skip+length))
	}

	out := make([]byte, length)
	copy(out, raw[skip:skip+length])
	return out, nil
}

// WriteRegion writes data into kind starting at byte start.
// Merker writes must be word aligned. Inputs are read-only.
func (l *Link) WriteRegion(ctx context.Context, kind plc.RegionKind, start int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return plc.Wrap("write", kind, err)
	}
	if start < 0 || len(data) == 0 {
		return plc.Wrap("write", kind, fmt.Errorf("invalid span start=%d length=%d", start, len(data)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cli == nil {
		return plc.Wrap("write", kind, plc.ErrNotConnected)
	}

	var err error
	switch kind {
	case plc.Merker:
		if start%2 != 0 || len(data)%2 != 0 {
			return plc.Wrap("write", kind, plc.ErrMisaligned)
		}
		_, err = l.cli.WriteMultipleRegisters(l.cfg.MerkerBase+uint16(start/2), uint16(len(data)/2), data)
	case plc.Output:
		_, err = l.cli.WriteMultipleCoils(l.cfg.OutputBase+uint16(start*8), uint16(len(data)*8), data)
	case plc.Input:
		return plc.Wrap("write", kind, plc.ErrReadOnlyRegion)
	default:
		return plc.Wrap("write", kind, errors.New("unsupported region"))
	}
	return plc.Wrap("write", kind, err)
}
