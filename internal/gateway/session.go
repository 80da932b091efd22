// internal/gateway/session.go
package gateway

import (
	"sync/atomic"
	"time"

	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// State is the controller session state.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is the explicit controller session owned by the loop.
// Only the loop goroutine mutates it; State is also read by the health handler.
type Session struct {
	state atomic.Int32

	link     plc.Link
	endpoint plc.Endpoint

	// ticks counts connected iterations; drives the cleanup cadence
	ticks uint64

	disconnectedSince time.Time
	lastErr           error
}

func newSession(link plc.Link, ep plc.Endpoint) *Session {
	return &Session{link: link, endpoint: ep}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// LastError is the most recent link failure, nil once reconnected.
func (s *Session) LastError() error { return s.lastErr }

// DisconnectedSince is zero while connected.
func (s *Session) DisconnectedSince() time.Time { return s.disconnectedSince }
