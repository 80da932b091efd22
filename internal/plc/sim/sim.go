// internal/plc/sim/sim.go

// Package sim is an in-process controller used for dry runs and tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// ErrInjected is returned by operations armed with FailNext.
var ErrInjected = errors.New("sim: injected failure")

// Write records one WriteRegion call.
type Write struct {
	Kind  plc.RegionKind
	Start int
	Data  []byte
}

// Controller holds three byte areas and implements plc.Link.
type Controller struct {
	mu        sync.Mutex
	areas     map[plc.RegionKind][]byte
	connected bool
	fail      map[string]int // op -> remaining failures
	writes    []Write
	connects  int
}

// New returns a controller with zeroed areas of the given sizes.
func New(merker, input, output int) *Controller {
	return &Controller{
		areas: map[plc.RegionKind][]byte{
			plc.Merker: make([]byte, merker),
			plc.Input:  make([]byte, input),
			plc.Output: make([]byte, output),
		},
		fail: make(map[string]int),
	}
}

// FailNext arms n failures for op ("connect", "read", "write").
func (c *Controller) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op] += n
}

// Set copies data into an area (test/plant side).
func (c *Controller) Set(kind plc.RegionKind, start int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.areas[kind][start:], data)
}

// Snapshot returns a copy of an area.
func (c *Controller) Snapshot(kind plc.RegionKind) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.areas[kind]...)
}

// Writes returns every write seen so far.
func (c *Controller) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// Connects counts successful connects.
func (c *Controller) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Connected reports the session state.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) consume(op string) bool {
	if c.fail[op] > 0 {
		c.fail[op]--
		return true
	}
	return false
}

// ---- plc.Link ----

func (c *Controller) Connect(ctx context.Context, ep plc.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consume("connect") {
		return plc.Wrap("connect", 0, ErrInjected)
	}
	c.connected = true
	c.connects++
	return nil
}

func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Controller) ReadRegion(ctx context.Context, kind plc.RegionKind, start, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, plc.Wrap("read", kind, plc.ErrNotConnected)
	}
	if c.consume("read") {
		return nil, plc.Wrap("read", kind, ErrInjected)
	}
	area, ok := c.areas[kind]
	if !ok || start < 0 || length < 0 || start+length > len(area) {
		return nil, plc.Wrap("read", kind, fmt.Errorf("span %d+%d outside area", start, length))
	}
	return append([]byte(nil), area[start:start+length]...), nil
}

func (c *Controller) WriteRegion(ctx context.Context, kind plc.RegionKind, start int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return plc.Wrap("write", kind, plc.ErrNotConnected)
	}
	if kind == plc.Input {
		return plc.Wrap("write", kind, plc.ErrReadOnlyRegion)
	}
	if c.consume("write") {
		return plc.Wrap("write", kind, ErrInjected)
	}
	area, ok := c.areas[kind]
	if !ok || start < 0 || start+len(data) > len(area) {
		return plc.Wrap("write", kind, fmt.Errorf("span %d+%d outside area", start, len(data)))
	}
	copy(area[start:], data)
	c.writes = append(c.writes, Write{Kind: kind, Start: start, Data: append([]byte(nil), data...)})
	return nil
}
