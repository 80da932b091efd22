// internal/plc/link.go
package plc

import (
	"context"
	"errors"
	"fmt"
)

// RegionKind selects a controller memory area.
type RegionKind uint8

const (
	Merker RegionKind = iota + 1 // %M
	Input                        // %I
	Output                       // %Q
)

func (k RegionKind) String() string {
	switch k {
	case Merker:
		return "merker"
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("region(%d)", uint8(k))
	}
}

// Endpoint addresses one controller.
type Endpoint struct {
	Address string
	Rack    int
	Slot    int
}

// Region is a raw buffer read from one memory area.
// It is read fresh every cycle; nothing is cached.
type Region struct {
	Kind   RegionKind
	Offset int
	Data   []byte
}

// Link is the controller session contract.
// Any error means the session must be considered broken: the caller
// disconnects and reconnects before further I/O. No retries happen here.
type Link interface {
	Connect(ctx context.Context, ep Endpoint) error
	Disconnect() error
	ReadRegion(ctx context.Context, kind RegionKind, start, length int) ([]byte, error)
	WriteRegion(ctx context.Context, kind RegionKind, start int, data []byte) error
}

var (
	ErrNotConnected   = errors.New("plc: not connected")
	ErrReadOnlyRegion = errors.New("plc: region is read-only")
	ErrMisaligned     = errors.New("plc: write not word aligned")
)

// LinkError is every failure surfaced by a Link.
type LinkError struct {
	Op   string // connect | read | write | disconnect
	Kind RegionKind
	Err  error
}

func (e *LinkError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("plc %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("plc %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Wrap returns err as a *LinkError unless it already is one.
func Wrap(op string, kind RegionKind, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Op: op, Kind: kind, Err: err}
}

// IsLinkError reports whether err came from the controller link.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}
