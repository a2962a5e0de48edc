package comm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nasa-jpl/colorlab/fault"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is used for commands that do not specify one
	DefaultTimeout = time.Second

	// CategoryNormal is the category of ordinary set/query commands
	CategoryNormal = "normal"
)

// Command is one outgoing request
type Command struct {
	// Text is the command mnemonic and parameters, without framing
	Text string

	// Terms is the set of bytes that may end the reply.  Empty means CR.
	Terms []byte

	// Timeout bounds the wait for the reply.  Zero means DefaultTimeout.
	Timeout time.Duration

	// Retries is how many times a ProtocolError or Misread reply is re-sent
	Retries int

	// Category labels the command in logs and metrics, e.g. "measurement"
	Category string
}

func (c Command) terms() []byte {
	if len(c.Terms) == 0 {
		return []byte{CR}
	}
	return c.Terms
}

func (c Command) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Command) category() string {
	if c.Category == "" {
		return CategoryNormal
	}
	return c.Category
}

// Response is one parsed reply
type Response struct {
	// Raw is every byte read, terminator included
	Raw []byte

	// Payload is the reply with framing and any embedded code removed
	Payload []byte

	// Term is the terminator that ended the reply
	Term byte

	// Code is the embedded device code, valid when HasCode is true
	Code    int
	HasCode bool
}

// String returns the payload as a string with surrounding whitespace trimmed
func (r Response) String() string {
	return strings.TrimSpace(string(r.Payload))
}

// Dialect describes the framing of one instrument family
type Dialect interface {
	// Family names the instrument family, used in logs and errors
	Family() string

	// Frame converts a command into the bytes put on the wire
	Frame(cmd Command) []byte

	// Extract splits a reply (terminator removed) into payload and embedded
	// device code.  It must not alter payload bytes.  An error means the reply
	// is malformed.
	Extract(body []byte, term byte) (payload []byte, code int, hasCode bool, err error)

	// ClearError returns the command that clears a latched device error, if the
	// family has one
	ClearError() (Command, bool)

	// MinGap is the shortest time allowed between two commands
	MinGap() time.Duration
}

// Engine issues commands over a Connection
type Engine struct {
	conn    *Connection
	dialect Dialect
	table   *fault.Table
	pace    *rate.Limiter
	log     logrus.FieldLogger
}

// NewEngine returns an engine over link.  Device error codes are translated
// through table.
func NewEngine(link Link, d Dialect, table *fault.Table) *Engine {
	lim := rate.NewLimiter(rate.Inf, 1)
	if gap := d.MinGap(); gap > 0 {
		lim = rate.NewLimiter(rate.Every(gap), 1)
	}
	return &Engine{
		conn:    NewConnection(link),
		dialect: d,
		table:   table,
		pace:    lim,
		log:     logrus.StandardLogger().WithField("family", d.Family()),
	}
}

// SetLogger replaces the engine's logger
func (e *Engine) SetLogger(l logrus.FieldLogger) {
	e.log = l.WithField("family", e.dialect.Family())
}

// Logger returns the engine's logger
func (e *Engine) Logger() logrus.FieldLogger {
	return e.log
}

// Family returns the dialect's family name
func (e *Engine) Family() string {
	return e.dialect.Family()
}

// Table returns the family's error table
func (e *Engine) Table() *fault.Table {
	return e.table
}

// Connection returns the engine's connection
func (e *Engine) Connection() *Connection {
	return e.conn
}

// State is shorthand for Connection().State()
func (e *Engine) State() State {
	return e.conn.State()
}

// Open opens the link and moves to Negotiating
func (e *Engine) Open() error {
	if err := e.conn.link.Open(); err != nil {
		return fault.Wrap(fault.CommsFailure, "open link", err)
	}
	e.conn.setState(Negotiating)
	return nil
}

// Connect opens the link and marks the connection usable without searching
// for the line rate, for links that have none
func (e *Engine) Connect() error {
	if err := e.Open(); err != nil {
		return err
	}
	e.conn.setState(Connected)
	return nil
}

// Close marks the connection Disconnected and closes the link.  It does not
// take the connection lock, so it unblocks an exchange stuck in a read.
func (e *Engine) Close() error {
	e.conn.setState(Disconnected)
	return e.conn.link.Close()
}

// Do runs fn with the connection lock held.  Every command sent through the Tx
// is strictly serialized against all other users of the engine.
func (e *Engine) Do(fn func(tx *Tx) error) error {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()
	return fn(&Tx{e: e})
}

// Send issues a single command in its own transaction
func (e *Engine) Send(cmd Command) (Response, error) {
	var resp Response
	err := e.Do(func(tx *Tx) error {
		var err error
		resp, err = tx.Send(cmd)
		return err
	})
	return resp, err
}

// Raw sends text and returns the payload as a string, for diagnostics
func (e *Engine) Raw(text string, timeout time.Duration) (string, error) {
	resp, err := e.Send(Command{Text: text, Timeout: timeout, Category: "raw"})
	return resp.String(), err
}

// Tx is a transaction handle, valid only inside Engine.Do
type Tx struct {
	e           *Engine
	negotiating bool
}

// Engine returns the engine the transaction belongs to
func (tx *Tx) Engine() *Engine {
	return tx.e
}

// Params returns the current line rate and flow control
func (tx *Tx) Params() (int, FlowControl) {
	return tx.e.conn.params()
}

// Configure changes the line parameters of the link and records them
func (tx *Tx) Configure(baud int, flow FlowControl) error {
	if err := tx.e.conn.link.Configure(baud, flow); err != nil {
		if errors.Is(err, ErrHardwareFlow) {
			return fault.Wrap(fault.Unsupported, "configure link", err)
		}
		return fault.Wrap(fault.CommsFailure, "configure link", err)
	}
	tx.e.conn.baud, tx.e.conn.flow = baud, flow
	return nil
}

// Send writes cmd and reads its reply, retrying ProtocolError and Misread
// results up to cmd.Retries times
func (tx *Tx) Send(cmd Command) (Response, error) {
	st := tx.e.conn.State()
	if st != Connected && !(st == Negotiating && tx.negotiating) {
		return Response{}, fault.Wrap(fault.CommsFailure, cmd.Text, ErrNotConnected)
	}
	var (
		resp Response
		err  error
	)
	for attempt := 0; attempt <= cmd.Retries; attempt++ {
		resp, err = tx.exchange(cmd)
		if err == nil || !fault.KindOf(err).Retryable() {
			return resp, err
		}
		if attempt < cmd.Retries {
			tx.e.log.WithFields(logrus.Fields{"cmd": cmd.Text, "attempt": attempt + 1}).
				WithError(err).Debug("retrying command")
		}
	}
	return resp, err
}

func (tx *Tx) exchange(cmd Command) (Response, error) {
	e := tx.e
	cat := cmd.category()
	e.pace.Wait(context.Background())
	start := time.Now()
	log := e.log.WithFields(logrus.Fields{"cmd": cmd.Text, "category": cat})

	resp, err := tx.roundTrip(cmd)
	observe(e.dialect.Family(), cat, time.Since(start), err)
	if err != nil {
		log.WithError(err).WithField("raw", string(resp.Raw)).Debug("exchange failed")
		return resp, err
	}
	log.WithField("raw", string(resp.Raw)).Debug("exchange")
	return resp, nil
}

func (tx *Tx) roundTrip(cmd Command) (Response, error) {
	e := tx.e
	link := e.conn.link
	if err := link.Write(e.dialect.Frame(cmd)); err != nil {
		return Response{}, fault.Wrap(fault.CommsFailure, "write "+cmd.Text, err)
	}
	raw, err := link.ReadUntil(cmd.terms(), cmd.timeout())
	resp := Response{Raw: raw}
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout) && len(raw) == 0:
			return resp, fault.Wrap(fault.CommsFailure,
				fmt.Sprintf("no reply to %q within %v", cmd.Text, cmd.timeout()), err)
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrTerminatorNotFound):
			return resp, fault.Wrap(fault.ProtocolError,
				fmt.Sprintf("malformed reply to %q: %q", cmd.Text, raw), err)
		default:
			return resp, fault.Wrap(fault.CommsFailure, "read "+cmd.Text, err)
		}
	}
	resp.Term = raw[len(raw)-1]
	payload, code, hasCode, err := e.dialect.Extract(raw[:len(raw)-1], resp.Term)
	if err != nil {
		return resp, fault.Wrap(fault.ProtocolError, fmt.Sprintf("reply to %q", cmd.Text), err)
	}
	resp.Payload, resp.Code, resp.HasCode = payload, code, hasCode
	if hasCode && code != e.table.OK() {
		derr := e.table.Err(code)
		tx.clearError()
		return resp, derr
	}
	return resp, nil
}

// clearError sends the dialect's clear command.  Its outcome is logged only;
// the error that prompted it is what the caller sees.
func (tx *Tx) clearError() {
	e := tx.e
	cmd, ok := e.dialect.ClearError()
	if !ok {
		return
	}
	e.pace.Wait(context.Background())
	if err := e.conn.link.Write(e.dialect.Frame(cmd)); err != nil {
		e.log.WithError(err).Warn("clear error")
		return
	}
	if _, err := e.conn.link.ReadUntil(cmd.terms(), cmd.timeout()); err != nil {
		e.log.WithError(err).Warn("clear error")
	}
}

// ParseIdentity splits an identification reply such as "MODEL-X v1.0" into a
// model and a firmware version.  The version is the last field that starts
// with v or V followed by a digit; everything before it is the model.
func ParseIdentity(s string) (model, version string, err error) {
	fields := strings.Fields(s)
	for i := len(fields) - 1; i > 0; i-- {
		f := fields[i]
		if len(f) > 1 && (f[0] == 'v' || f[0] == 'V') && f[1] >= '0' && f[1] <= '9' {
			return strings.Join(fields[:i], " "), f[1:], nil
		}
	}
	return "", "", fault.Newf(fault.ProtocolError, "cannot parse identity %q", s)
}
