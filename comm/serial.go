package comm

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// serialPoll is the per-read timeout given to the port; tarm/serial on posix
// works in tenths of a second, so anything smaller is rounded up.
const serialPoll = 100 * time.Millisecond

// ErrHardwareFlow is generated when RTS/CTS flow control is requested; the
// serial library does not expose it
var ErrHardwareFlow = errors.New("hardware flow control is not supported on this port")

// SerialLink is a Link over an RS-232 or USB-serial port
type SerialLink struct {
	mu   sync.Mutex
	conf serial.Config
	flow FlowControl
	port *serial.Port
	p    pending
}

// NewSerialLink returns a SerialLink for the port at addr, e.g. /dev/ttyUSB0 or COM3.
// The port is not opened until Open is called.
func NewSerialLink(addr string, baud int) *SerialLink {
	return &SerialLink{conf: makeSerConf(addr, baud)}
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) serial.Config {
	return serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: serialPoll}
}

// Open the port.  Opening is retried with an exponential backoff because
// USB-serial adapters take a moment to enumerate after being plugged in.
func (s *SerialLink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open()
}

func (s *SerialLink) open() error {
	if s.port != nil {
		return nil
	}
	var lastErr error
	op := func() error {
		port, err := serial.OpenPort(&s.conf)
		if err != nil {
			lastErr = err
			errS := strings.ToLower(err.Error())
			// a port that does not exist will not appear by waiting on it
			if strings.Contains(errS, "no such file") || strings.Contains(errS, "cannot find") {
				return nil
			}
			return err
		}
		lastErr = nil
		s.port = port
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && lastErr == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("open %s: %w", s.conf.Name, lastErr)
	}
	return fmt.Errorf("open %s: %w", s.conf.Name, err)
}

// Configure changes the line rate.  tarm/serial cannot change the rate of an
// open port, so the port is closed and reopened.  XON/XOFF is emulated by
// dropping the flow bytes from the receive stream.
func (s *SerialLink) Configure(baud int, flow FlowControl) error {
	if flow == FlowHardware {
		return ErrHardwareFlow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = flow
	if baud == s.conf.Baud && s.port != nil {
		return nil
	}
	s.conf.Baud = baud
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.p = pending{}
	return s.open()
}

// Baud returns the configured line rate
func (s *SerialLink) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf.Baud
}

// Write sends b to the port
func (s *SerialLink) Write(b []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	n, err := port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadUntil implements Link
func (s *SerialLink) ReadUntil(terms []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	port, xonxoff := s.port, s.flow == FlowXonXoff
	s.mu.Unlock()
	if port == nil {
		return nil, ErrNotConnected
	}
	read := func(buf []byte, until time.Time) (int, error) {
		n, err := port.Read(buf)
		if errors.Is(err, io.EOF) {
			// the port's read timeout elapsed with nothing to read
			return n, nil
		}
		return n, err
	}
	return collect(read, &s.p, terms, timeout, xonxoff)
}

// Close the port
func (s *SerialLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
