package comm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nasa-jpl/colorlab/util"
)

// TCPLink is a Link to an instrument behind a serial terminal server (e.g. a
// digi portserver).  The line rate is fixed in the terminal server, so
// Configure only records the request.
type TCPLink struct {
	Addr string

	mu   sync.Mutex
	conn net.Conn
	baud int
	flow FlowControl
	p    pending
}

// NewTCPLink returns a link to addr, e.g. 192.168.100.123:2006
func NewTCPLink(addr string) *TCPLink {
	return &TCPLink{Addr: addr}
}

// Open dials the remote.  Terminal servers do not like being connection
// thrashed, so dialing backs off exponentially on timeouts and gives up
// immediately when the connection is refused.
func (t *TCPLink) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	wasTimeout := false
	var permanent error
	op := func() error {
		conn, err := util.TCPSetup(t.Addr, 3*time.Second)
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				permanent = err
				return nil
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		t.conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if permanent != nil {
		return permanent
	}
	if err != nil || wasTimeout {
		return fmt.Errorf("connection timeout to %s", t.Addr)
	}
	return nil
}

// Configure implements Link; the terminal server owns the line settings
func (t *TCPLink) Configure(baud int, flow FlowControl) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baud, t.flow = baud, flow
	return nil
}

// Write implements Link
func (t *TCPLink) Write(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.Write(b)
	return err
}

// ReadUntil implements Link
func (t *TCPLink) ReadUntil(terms []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	conn, xonxoff := t.conn, t.flow == FlowXonXoff
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	read := func(buf []byte, until time.Time) (int, error) {
		conn.SetReadDeadline(until)
		n, err := conn.Read(buf)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return collect(read, &t.p, terms, timeout, xonxoff)
}

// Close the connection, nil-ing the conn variable
func (t *TCPLink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
