package comm

import (
	"sync"
	"time"
)

// Handler answers one framed command with the bytes the device would send
// back.  A nil return means the device stays silent.
type Handler func(frame string) []byte

// MockLink is a Link to a simulated instrument.  It records every write and
// counts writes issued while a previous command was still awaiting its reply.
type MockLink struct {
	// MaxWait caps how long ReadUntil sleeps when the reply has no terminator.
	// Zero means 5ms so that timeouts in tests are fast.
	MaxWait time.Duration

	// Latency is slept by ReadUntil before a complete reply is returned
	Latency time.Duration

	// OpenErr is returned by Open when set
	OpenErr error

	// ConfigureErr is returned by Configure when set
	ConfigureErr error

	mu         sync.Mutex
	handler    Handler
	deviceBaud int
	baud       int
	flow       FlowControl
	open       bool
	closed     chan struct{}
	out        []byte
	writes     []string
	inFlight   bool
	overlaps   int
}

// NewMockLink returns a mock answering with h
func NewMockLink(h Handler) *MockLink {
	return &MockLink{handler: h, closed: make(chan struct{})}
}

// SetHandler replaces the device's behavior
func (m *MockLink) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetDeviceBaud sets the rate the simulated device listens at.  Writes at any
// other rate are answered with line noise.  Zero accepts every rate.
func (m *MockLink) SetDeviceBaud(baud int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceBaud = baud
}

// DeviceBaud returns the rate the simulated device listens at
func (m *MockLink) DeviceBaud() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceBaud
}

// Open implements Link
func (m *MockLink) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return m.OpenErr
	}
	if !m.open {
		m.open = true
		m.closed = make(chan struct{})
	}
	return nil
}

// Configure implements Link
func (m *MockLink) Configure(baud int, flow FlowControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigureErr != nil {
		return m.ConfigureErr
	}
	m.baud, m.flow = baud, flow
	m.out = nil
	return nil
}

// Baud returns the rate the host side is configured to
func (m *MockLink) Baud() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

// Write implements Link
func (m *MockLink) Write(b []byte) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.inFlight {
		m.overlaps++
	}
	m.inFlight = true
	frame := string(b)
	m.writes = append(m.writes, frame)
	h := m.handler
	match := m.deviceBaud == 0 || m.deviceBaud == m.baud
	m.mu.Unlock()

	var reply []byte
	if !match {
		reply = []byte{0xfe, 0x80, 0x00}
	} else if h != nil {
		reply = h(frame)
	}
	m.mu.Lock()
	if m.flow == FlowXonXoff {
		reply = stripFlow(reply)
	}
	m.out = append(m.out, reply...)
	m.mu.Unlock()
	return nil
}

// ReadUntil implements Link
func (m *MockLink) ReadUntil(terms []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	closed := m.closed
	i := indexAnyByte(m.out, terms)
	if i >= 0 {
		out := make([]byte, i+1)
		copy(out, m.out[:i+1])
		m.out = m.out[i+1:]
		lat := m.Latency
		m.mu.Unlock()
		if lat > 0 {
			time.Sleep(lat)
		}
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
		return out, nil
	}
	partial := m.out
	m.out = nil
	wait := m.MaxWait
	if wait <= 0 {
		wait = 5 * time.Millisecond
	}
	if timeout < wait {
		wait = timeout
	}
	m.mu.Unlock()

	var err error = ErrTimeout
	select {
	case <-closed:
		err = ErrClosed
	case <-time.After(wait):
	}
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
	return partial, err
}

// Close implements Link
func (m *MockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.open = false
		close(m.closed)
	}
	return nil
}

// Writes returns every frame written so far
func (m *MockLink) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// ResetWrites forgets the recorded frames
func (m *MockLink) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// Overlaps returns how many writes were issued while a reply was outstanding
func (m *MockLink) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}
