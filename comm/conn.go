package comm

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a Connection
type State int32

const (
	// Disconnected means the link is closed or was never opened
	Disconnected State = iota

	// Negotiating means the link is open and the line rate is being searched
	Negotiating

	// Connected means commands may be issued
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Connection owns a Link, its negotiated parameters, and the single lock that
// guarantees at most one command is in flight.  The state is readable without
// the lock so that teardown never waits on a hung exchange.
type Connection struct {
	mu    sync.Mutex
	link  Link
	state int32
	baud  int
	flow  FlowControl
}

// NewConnection wraps a link; it starts Disconnected
func NewConnection(l Link) *Connection {
	return &Connection{link: l}
}

// State returns the current state
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Link returns the underlying link
func (c *Connection) Link() Link {
	return c.link
}

// params returns the negotiated rate and flow control.  The caller must hold
// the connection lock, i.e. be inside Engine.Do.
func (c *Connection) params() (int, FlowControl) {
	return c.baud, c.flow
}
