/*Package comm provides the transport and command layers used to talk to
measurement instruments.

The layering is:

	Link        a byte pipe: open, configure, write, read until a terminator
	Connection  a Link plus its negotiated parameters and the one lock
	Engine      command/response exchanges over a Connection, device error
	            extraction and translation, baud negotiation

Instrument packages provide a Dialect (framing and embedded error format) and a
fault.Table, then issue Commands through an Engine.  A minimal example for an
instrument that answers "RD?" with a reading terminated by a carriage return:

	eng := comm.NewEngine(link, myDialect{}, myTable)
	if err := eng.Connect(); err != nil {
		return err
	}
	resp, err := eng.Send(comm.Command{Text: "RD?", Terms: []byte{'\r'}, Timeout: time.Second})
	if err != nil {
		return err
	}
	return strconv.ParseFloat(string(resp.Payload), 64)
*/
package comm

import (
	"errors"
	"io"
	"time"
)

const (
	// CR is the default command terminator
	CR = byte('\r')

	// LF is a line feed
	LF = byte('\n')

	// XON and XOFF are the software flow control bytes
	XON  = byte(0x11)
	XOFF = byte(0x13)
)

var (
	// ErrNotConnected is generated when a command is issued on a connection that
	// has not been opened and negotiated
	ErrNotConnected = errors.New("not connected to instrument")

	// ErrTimeout is generated when a read does not see a terminator in time
	ErrTimeout = errors.New("timeout waiting for response terminator")

	// ErrTerminatorNotFound is generated when the stream ends without a terminator
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrClosed is generated when a link is used after Close
	ErrClosed = errors.New("link is closed")
)

// FlowControl is the serial flow control discipline
type FlowControl int

const (
	// FlowNone disables flow control
	FlowNone FlowControl = iota

	// FlowXonXoff is software flow control
	FlowXonXoff

	// FlowHardware is RTS/CTS flow control
	FlowHardware
)

func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowXonXoff:
		return "xonxoff"
	case FlowHardware:
		return "hardware"
	}
	return "unknown"
}

// ParseFlowControl converts a config string into a FlowControl
func ParseFlowControl(s string) (FlowControl, error) {
	switch s {
	case "", "none", "off":
		return FlowNone, nil
	case "xonxoff", "xon/xoff", "software":
		return FlowXonXoff, nil
	case "hardware", "rtscts":
		return FlowHardware, nil
	}
	return FlowNone, errors.New("unknown flow control " + s)
}

// Link is a byte oriented connection to an instrument.  It is deterministic and
// contains no retry logic; ReadUntil may block for up to timeout.
type Link interface {
	io.Closer

	// Open establishes the connection
	Open() error

	// Configure sets the line rate and flow control
	Configure(baud int, flow FlowControl) error

	// Write sends b in its entirety
	Write(b []byte) error

	// ReadUntil returns bytes up to and including the first byte that is a
	// member of terms.  On timeout, any partial bytes are returned along with
	// ErrTimeout.  Bytes after the terminator are kept for the next call.
	ReadUntil(terms []byte, timeout time.Duration) ([]byte, error)
}

// chunkReader reads whatever is available, waiting no later than until.
// A read that found nothing before until returns 0, nil.
type chunkReader func(buf []byte, until time.Time) (int, error)

// pending is the carry-over buffer shared by the Link implementations
type pending struct {
	buf []byte
}

func indexAnyByte(b, set []byte) int {
	for i, c := range b {
		for _, t := range set {
			if c == t {
				return i
			}
		}
	}
	return -1
}

func (p *pending) cut(terms []byte) ([]byte, bool) {
	i := indexAnyByte(p.buf, terms)
	if i < 0 {
		return nil, false
	}
	out := make([]byte, i+1)
	copy(out, p.buf[:i+1])
	p.buf = p.buf[i+1:]
	return out, true
}

func (p *pending) drain() []byte {
	out := p.buf
	p.buf = nil
	return out
}

func stripFlow(b []byte) []byte {
	out := b[:0]
	for _, c := range b {
		if c == XON || c == XOFF {
			continue
		}
		out = append(out, c)
	}
	return out
}

// collect runs read until a terminator shows up in p or the timeout elapses
func collect(read chunkReader, p *pending, terms []byte, timeout time.Duration, xonxoff bool) ([]byte, error) {
	if out, ok := p.cut(terms); ok {
		return out, nil
	}
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)
	for {
		n, err := read(chunk, deadline)
		if n > 0 {
			got := chunk[:n]
			if xonxoff {
				got = stripFlow(got)
			}
			p.buf = append(p.buf, got...)
			if out, ok := p.cut(terms); ok {
				return out, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return p.drain(), ErrTerminatorNotFound
			}
			return p.drain(), err
		}
		if !time.Now().Before(deadline) {
			return p.drain(), ErrTimeout
		}
	}
}
