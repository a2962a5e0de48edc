// Package xrite drives DTP style tristimulus colorimeters and reflection
// densitometers.
//
// Commands are two letter mnemonics with optional arguments, terminated by a
// carriage return.  Every reply, including the acknowledgment of a set
// command, ends with a two digit hex status in angle brackets, <00> on
// success.  The line runs XON/XOFF flow control.
package xrite

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
	"github.com/nasa-jpl/colorlab/util"
)

// Term ends every reply
const Term = byte('>')

var terms = []byte{Term}

// Family is the family name used in logs and errors
const Family = "xrite"

// Errors is the device error table of the family
var Errors = fault.NewTable(Family, 0x00, map[int]fault.Entry{
	0x01: {Kind: fault.ProtocolError, Desc: "unrecognized command"},
	0x02: {Kind: fault.ProtocolError, Desc: "bad parameter"},
	0x03: {Kind: fault.ProtocolError, Desc: "input buffer overflow"},
	0x10: {Kind: fault.HardwareFailure, Desc: "lamp failure"},
	0x11: {Kind: fault.HardwareFailure, Desc: "sensor failure"},
	0x12: {Kind: fault.HardwareFailure, Desc: "memory checksum"},
	0x20: {Kind: fault.Misread, Desc: "signal too low"},
	0x21: {Kind: fault.Misread, Desc: "sensor saturated"},
	0x22: {Kind: fault.Misread, Desc: "target moved during read"},
	0x23: {Kind: fault.Misread, Desc: "unstable reading"},
	0x30: {Kind: fault.NeedsCalibration, Desc: "dark calibration required"},
	0x31: {Kind: fault.NeedsCalibration, Desc: "white calibration required"},
	0x32: {Kind: fault.Other, Desc: "calibration reference out of tolerance"},
	0x40: {Kind: fault.Unsupported, Desc: "mode not available"},
	0x41: {Kind: fault.Unsupported, Desc: "unknown display type"},
	0x50: {Kind: fault.UserAbort, Desc: "read cancelled at instrument"},
})

// Dialect is the xrite framing
type Dialect struct{}

// Family implements comm.Dialect
func (Dialect) Family() string { return Family }

// Frame implements comm.Dialect
func (Dialect) Frame(cmd comm.Command) []byte {
	return []byte(cmd.Text + "\r")
}

// Extract implements comm.Dialect.  The status is found by scanning back from
// the terminator, so payloads may contain anything but a '<'.
func (Dialect) Extract(body []byte, term byte) ([]byte, int, bool, error) {
	i := bytes.LastIndexByte(body, '<')
	if i < 0 || len(body)-i != 3 {
		return nil, 0, false, fmt.Errorf("no status in %q", body)
	}
	code, err := strconv.ParseUint(string(body[i+1:]), 16, 8)
	if err != nil {
		return nil, 0, false, fmt.Errorf("bad status in %q", body)
	}
	return bytes.TrimRight(body[:i], " \r\n"), int(code), true, nil
}

// ClearError implements comm.Dialect
func (Dialect) ClearError() (comm.Command, bool) {
	return comm.Command{Text: "CE", Terms: terms, Timeout: 500 * time.Millisecond}, true
}

// MinGap implements comm.Dialect; the instruments drop characters when
// commands arrive back to back
func (Dialect) MinGap() time.Duration {
	return 10 * time.Millisecond
}

var profiles = map[string]colorimeter.Capabilities{
	"dtp92": {
		Model:              "dtp92",
		Modes:              colorimeter.Emissive,
		Cals:               colorimeter.CalDark,
		MaxInternalAverage: 8,
		MaxIntegration:     3 * time.Second,
	},
	"dtp94": {
		Model:              "dtp94",
		Modes:              colorimeter.Emissive,
		Cals:               colorimeter.CalDark,
		HasDisplayType:     true,
		DisplayTypes:       []string{"crt", "lcd"},
		MaxInternalAverage: 8,
		MaxIntegration:     3 * time.Second,
	},
	"dtp41t": {
		Model:              "dtp41t",
		Modes:              colorimeter.Reflective | colorimeter.Transmissive,
		Cals:               colorimeter.CalWhite | colorimeter.CalTransmissionWhite,
		HasSwitch:          true,
		MaxInternalAverage: 1,
		MaxIntegration:     time.Second,
	},
}

// Models lists the supported model names
func Models() []string {
	return colorimeter.ModelNames(profiles)
}

// Instrument is a colorimeter.Model for one xrite instrument
type Instrument struct {
	caps colorimeter.Capabilities

	// plaque is the serial of the white reference, read at Init
	plaque string
}

// New returns the instrument for a model name such as dtp94
func New(model string) (*Instrument, error) {
	caps, ok := profiles[strings.ToLower(model)]
	if !ok {
		return nil, fault.Newf(fault.Unsupported, "unknown xrite model %q, have %v", model, Models())
	}
	return &Instrument{caps: caps}, nil
}

// Capabilities implements colorimeter.Model
func (i *Instrument) Capabilities() colorimeter.Capabilities { return i.caps }

// Dialect implements colorimeter.Model
func (i *Instrument) Dialect() comm.Dialect { return Dialect{} }

// Errors implements colorimeter.Model
func (i *Instrument) Errors() *fault.Table { return Errors }

// BaudRates implements colorimeter.Model; the instruments power up at 9600
func (i *Instrument) BaudRates() []int {
	return []int{9600, 19200, 38400, 57600, 4800}
}

// Flow implements colorimeter.Model
func (i *Instrument) Flow() comm.FlowControl { return comm.FlowXonXoff }

// Probe implements colorimeter.Model
func (i *Instrument) Probe() comm.Command {
	return comm.Command{Text: "ID", Terms: terms, Timeout: 300 * time.Millisecond, Category: "probe"}
}

// DefaultPolicies implements colorimeter.Model.  A read that catches the
// target moving usually succeeds on the next try.
func (i *Instrument) DefaultPolicies() colorimeter.Policies {
	return colorimeter.Policies{MisreadRetries: 2}
}

func send(tx *comm.Tx, format string, args ...interface{}) (string, error) {
	resp, err := tx.Send(comm.Command{Text: fmt.Sprintf(format, args...), Terms: terms})
	return resp.String(), err
}

func query(tx *comm.Tx, text string) (string, error) {
	resp, err := tx.Send(comm.Command{Text: text, Terms: terms, Retries: 1})
	return resp.String(), err
}

// SetBaud implements colorimeter.Model
func (i *Instrument) SetBaud(tx *comm.Tx, baud int) error {
	_, err := send(tx, "BR %d", baud)
	return err
}

// Init implements colorimeter.Model.  The plaque serial is read here so that
// CalRequirement can name it without touching the line.
func (i *Instrument) Init(tx *comm.Tx) error {
	if _, err := send(tx, "CE"); err != nil {
		return err
	}
	if i.caps.Cals&colorimeter.CalWhite == 0 {
		return nil
	}
	s, err := query(tx, "PS?")
	if err != nil {
		return err
	}
	i.plaque = s
	return nil
}

// Identify implements colorimeter.Model.  The ID reply is the model, the
// firmware version and, on newer units, a serial number prefixed with #.
func (i *Instrument) Identify(tx *comm.Tx) (colorimeter.Identity, error) {
	s, err := query(tx, "ID")
	if err != nil {
		return colorimeter.Identity{}, err
	}
	var serial string
	if f := strings.Fields(s); len(f) > 0 && strings.HasPrefix(f[len(f)-1], "#") {
		serial = strings.TrimPrefix(f[len(f)-1], "#")
		s = strings.Join(f[:len(f)-1], " ")
	}
	model, ver, err := comm.ParseIdentity(s)
	if err != nil {
		return colorimeter.Identity{}, err
	}
	return colorimeter.Identity{Model: model, Version: ver, Serial: serial}, nil
}

var modeCodes = map[colorimeter.Mode]string{
	colorimeter.Emissive:     "E",
	colorimeter.Reflective:   "R",
	colorimeter.Transmissive: "T",
}

// Configure implements colorimeter.Model
func (i *Instrument) Configure(tx *comm.Tx, cfg colorimeter.Config) error {
	code, ok := modeCodes[cfg.Mode]
	if !ok {
		return fault.Newf(fault.Unsupported, "%s has no %s mode", i.caps.Model, cfg.Mode)
	}
	if _, err := send(tx, "MD %s", code); err != nil {
		return err
	}
	if i.caps.MaxInternalAverage > 1 {
		avg := cfg.Average
		if avg < 1 {
			avg = 1
		}
		if _, err := send(tx, "AV %d", avg); err != nil {
			return err
		}
	}
	return nil
}

// Measure implements colorimeter.Model
func (i *Instrument) Measure(tx *comm.Tx, timeout time.Duration) error {
	_, err := tx.Send(comm.Command{Text: "RM", Terms: terms, Timeout: timeout, Category: "measurement"})
	return err
}

// ReadXYZ implements colorimeter.Model
func (i *Instrument) ReadXYZ(tx *comm.Tx) (colorimeter.XYZ, error) {
	s, err := query(tx, "RX")
	if err != nil {
		return colorimeter.XYZ{}, err
	}
	f := strings.Fields(s)
	if len(f) != 3 {
		return colorimeter.XYZ{}, fault.Newf(fault.ProtocolError, "expected 3 tristimulus values, got %q", s)
	}
	var out colorimeter.XYZ
	for j := range f {
		if out[j], err = strconv.ParseFloat(f[j], 64); err != nil {
			return colorimeter.XYZ{}, fault.Wrap(fault.ProtocolError, "parse tristimulus", err)
		}
	}
	return out, nil
}

// ReadSpectrum implements colorimeter.Model; no xrite model is spectral
func (i *Instrument) ReadSpectrum(tx *comm.Tx) (colorimeter.Spectrum, error) {
	return colorimeter.Spectrum{}, fault.Newf(fault.Unsupported, "%s is not a spectral instrument", i.caps.Model)
}

func (i *Instrument) checkSwitch() error {
	if !i.caps.HasSwitch {
		return fault.Newf(fault.Unsupported, "%s has no read switch", i.caps.Model)
	}
	return nil
}

// ArmSwitch implements colorimeter.Model
func (i *Instrument) ArmSwitch(tx *comm.Tx) error {
	if err := i.checkSwitch(); err != nil {
		return err
	}
	_, err := send(tx, "SW 1")
	return err
}

// SwitchPressed implements colorimeter.Model
func (i *Instrument) SwitchPressed(tx *comm.Tx) (bool, error) {
	if err := i.checkSwitch(); err != nil {
		return false, err
	}
	s, err := query(tx, "SS")
	if err != nil {
		return false, err
	}
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fault.Newf(fault.ProtocolError, "switch status %q", s)
}

// DisarmSwitch implements colorimeter.Model
func (i *Instrument) DisarmSwitch(tx *comm.Tx) error {
	if err := i.checkSwitch(); err != nil {
		return err
	}
	_, err := send(tx, "SW 0")
	return err
}

// CalRequirement implements colorimeter.Model
func (i *Instrument) CalRequirement(ct colorimeter.CalType) (colorimeter.Condition, string) {
	switch ct {
	case colorimeter.CalDark:
		return colorimeter.CondDarkCap, ""
	case colorimeter.CalWhite:
		return colorimeter.CondWhiteReference, i.plaque
	case colorimeter.CalTransmissionWhite:
		return colorimeter.CondTransmissionOpen, ""
	}
	return colorimeter.CondUnknown, ""
}

var calCommands = map[colorimeter.CalType]string{
	colorimeter.CalDark:              "CD",
	colorimeter.CalWhite:             "CW",
	colorimeter.CalTransmissionWhite: "CT",
}

// Calibrate implements colorimeter.Model
func (i *Instrument) Calibrate(tx *comm.Tx, ct colorimeter.CalType) (colorimeter.CalReport, error) {
	text, ok := calCommands[ct]
	if !ok || i.caps.Cals&ct == 0 {
		return colorimeter.CalReport{}, fault.Newf(fault.Unsupported, "%s cannot perform %s calibration", i.caps.Model, ct)
	}
	_, err := tx.Send(comm.Command{Text: text, Terms: terms,
		Timeout: 2*i.caps.MaxIntegration + time.Second, Category: "calibration"})
	return colorimeter.CalReport{}, err
}

// NeedsCalibration implements colorimeter.Model.  CS? answers a hex mask with
// bit 0 dark, bit 1 white and bit 2 transmission white.
func (i *Instrument) NeedsCalibration(tx *comm.Tx) (colorimeter.CalType, error) {
	s, err := query(tx, "CS?")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fault.Wrap(fault.ProtocolError, "calibration status", err)
	}
	var out colorimeter.CalType
	for bit, c := range []colorimeter.CalType{colorimeter.CalDark, colorimeter.CalWhite, colorimeter.CalTransmissionWhite} {
		if util.GetBit(byte(n), uint(bit)) {
			out |= c
		}
	}
	return out & i.caps.Cals, nil
}

// Status implements colorimeter.Model; there is nothing to report
func (i *Instrument) Status(tx *comm.Tx) (colorimeter.Status, error) {
	return colorimeter.Status{}, nil
}

// SetLaser implements colorimeter.Model
func (i *Instrument) SetLaser(tx *comm.Tx, on bool) error {
	return fault.Newf(fault.Unsupported, "%s has no target laser", i.caps.Model)
}

// SetDisplayType implements colorimeter.Model
func (i *Instrument) SetDisplayType(tx *comm.Tx, name string) error {
	if !i.caps.HasDisplay(name) {
		return fault.Newf(fault.Unsupported, "%s does not support display type %q", i.caps.Model, name)
	}
	_, err := send(tx, "DT %s", strings.ToUpper(name))
	return err
}
