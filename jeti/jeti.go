// Package jeti drives specbos and spectraval style spectroradiometers.
//
// The instruments take star-prefixed commands terminated by a carriage return.
// Set commands are acknowledged with ACK; queries reply with a line; failures
// reply with E<nnn> and NAK.  A measurement reports completion with BEL and a
// spectrum dump ends with ETX, so each category of command has its own set of
// terminators.
package jeti

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

const (
	// ACK is the success terminator of set commands
	ACK = byte(0x06)

	// NAK ends an error reply
	NAK = byte(0x15)

	// BEL ends a measurement
	BEL = byte(0x07)

	// ETX ends a spectrum dump
	ETX = byte(0x03)
)

var (
	termsNormal   = []byte{comm.CR, ACK, NAK}
	termsMeasure  = []byte{BEL, NAK}
	termsSpectral = []byte{ETX, NAK}
	termsSet      = []byte{ACK, NAK}
)

// Family is the family name used in logs and errors
const Family = "jeti"

// Errors is the device error table of the family
var Errors = fault.NewTable(Family, 0, map[int]fault.Entry{
	1:  {Kind: fault.ProtocolError, Desc: "unknown command"},
	2:  {Kind: fault.ProtocolError, Desc: "invalid parameter"},
	3:  {Kind: fault.HardwareFailure, Desc: "internal device timeout"},
	4:  {Kind: fault.Misread, Desc: "overexposure"},
	5:  {Kind: fault.Misread, Desc: "underexposure"},
	6:  {Kind: fault.Misread, Desc: "unstable signal"},
	7:  {Kind: fault.Misread, Desc: "wavelength range exceeds detector"},
	8:  {Kind: fault.NeedsCalibration, Desc: "dark reference required"},
	9:  {Kind: fault.HardwareFailure, Desc: "shutter fault"},
	10: {Kind: fault.HardwareFailure, Desc: "sensor temperature out of range"},
	11: {Kind: fault.HardwareFailure, Desc: "EEPROM checksum error"},
	12: {Kind: fault.Unsupported, Desc: "feature not available"},
	13: {Kind: fault.Unsupported, Desc: "diffuser in wrong position"},
	14: {Kind: fault.Misread, Desc: "refresh rate not detected"},
	15: {Kind: fault.ProtocolError, Desc: "receive buffer overflow"},
	16: {Kind: fault.UserAbort, Desc: "measurement aborted by user"},
})

// Dialect is the jeti framing
type Dialect struct{}

// Family implements comm.Dialect
func (Dialect) Family() string { return Family }

// Frame implements comm.Dialect
func (Dialect) Frame(cmd comm.Command) []byte {
	return []byte(cmd.Text + "\r")
}

// Extract implements comm.Dialect.  An error reply is E followed by decimal
// digits immediately before the NAK; anything ahead of it is left as payload.
func (Dialect) Extract(body []byte, term byte) ([]byte, int, bool, error) {
	if term != NAK {
		return body, 0, false, nil
	}
	i := bytes.LastIndexByte(body, 'E')
	if i < 0 || i == len(body)-1 {
		return nil, 0, false, fmt.Errorf("NAK without error code in %q", body)
	}
	code, err := strconv.Atoi(string(body[i+1:]))
	if err != nil {
		return nil, 0, false, fmt.Errorf("bad error code in %q", body)
	}
	return body[:i], code, true, nil
}

// ClearError implements comm.Dialect
func (Dialect) ClearError() (comm.Command, bool) {
	return comm.Command{Text: "*CLS", Terms: termsSet, Timeout: 500 * time.Millisecond}, true
}

// MinGap implements comm.Dialect
func (Dialect) MinGap() time.Duration {
	return 2 * time.Millisecond
}

var profiles = map[string]colorimeter.Capabilities{
	"specbos1201": {
		Model:              "specbos1201",
		Modes:              colorimeter.Emissive | colorimeter.Spectral | colorimeter.RefreshSync,
		Cals:               colorimeter.CalDark | colorimeter.CalRefreshRate,
		WlShort:            380,
		WlLong:             780,
		WlStep:             5,
		MaxInternalAverage: 10,
		MaxIntegration:     10 * time.Second,
	},
	"specbos1211": {
		Model:              "specbos1211",
		Modes:              colorimeter.Emissive | colorimeter.Ambient | colorimeter.Spectral | colorimeter.RefreshSync,
		Cals:               colorimeter.CalDark | colorimeter.CalRefreshRate,
		HasLaserTarget:     true,
		HasDiffuser:        true,
		WlShort:            350,
		WlLong:             1000,
		WlStep:             5,
		MaxInternalAverage: 10,
		MaxIntegration:     10 * time.Second,
	},
	"spectraval1511": {
		Model:              "spectraval1511",
		Modes:              colorimeter.Emissive | colorimeter.Ambient | colorimeter.Spectral | colorimeter.RefreshSync,
		Cals:               colorimeter.CalDark | colorimeter.CalRefreshRate,
		HasLaserTarget:     true,
		HasDiffuser:        true,
		WlShort:            380,
		WlLong:             780,
		WlStep:             1,
		MaxInternalAverage: 20,
		MaxIntegration:     6 * time.Second,
	},
}

// identities are the names the instruments give in their *IDN? reply
var identities = map[string]string{
	"specbos1201":    "JETI specbos 1201",
	"specbos1211":    "JETI specbos 1211",
	"spectraval1511": "JETI spectraval 1511",
}

// Models lists the supported model names
func Models() []string {
	return colorimeter.ModelNames(profiles)
}

// Instrument is a colorimeter.Model for one jeti instrument
type Instrument struct {
	caps colorimeter.Capabilities
}

// New returns the instrument for a model name such as specbos1211
func New(model string) (*Instrument, error) {
	caps, ok := profiles[strings.ToLower(model)]
	if !ok {
		return nil, fault.Newf(fault.Unsupported, "unknown jeti model %q, have %v", model, Models())
	}
	return &Instrument{caps: caps}, nil
}

// Capabilities implements colorimeter.Model
func (i *Instrument) Capabilities() colorimeter.Capabilities { return i.caps }

// Dialect implements colorimeter.Model
func (i *Instrument) Dialect() comm.Dialect { return Dialect{} }

// Errors implements colorimeter.Model
func (i *Instrument) Errors() *fault.Table { return Errors }

// BaudRates implements colorimeter.Model
func (i *Instrument) BaudRates() []int {
	return []int{921600, 115200, 57600, 38400, 19200, 9600}
}

// Flow implements colorimeter.Model
func (i *Instrument) Flow() comm.FlowControl { return comm.FlowNone }

// Probe implements colorimeter.Model
func (i *Instrument) Probe() comm.Command {
	return comm.Command{Text: "*IDN?", Terms: termsNormal, Timeout: 250 * time.Millisecond, Category: "probe"}
}

// DefaultPolicies implements colorimeter.Model.  Some firmware revisions
// report error 7 for ranges within the published detector range; stepping the
// range in by 5 nm clears it.  Spectrum dumps are occasionally truncated when
// the output buffer is under pressure.
func (i *Instrument) DefaultPolicies() colorimeter.Policies {
	return colorimeter.Policies{
		RangeNarrowing:       colorimeter.RangeNarrowing{Codes: []int{7}, Step: 5, MaxRetries: 3},
		MisreadRetries:       1,
		SpectralFetchRetries: 3,
	}
}

func set(tx *comm.Tx, format string, args ...interface{}) error {
	_, err := tx.Send(comm.Command{Text: fmt.Sprintf(format, args...), Terms: termsSet})
	return err
}

func query(tx *comm.Tx, text string) (string, error) {
	resp, err := tx.Send(comm.Command{Text: text, Terms: termsNormal, Retries: 1})
	if err != nil {
		return "", err
	}
	if resp.Term != comm.CR {
		return "", fault.Newf(fault.ProtocolError, "%s answered with 0x%02x instead of a value", text, resp.Term)
	}
	return resp.String(), nil
}

func queryInt(tx *comm.Tx, text string) (int, error) {
	s, err := query(tx, text)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fault.Wrap(fault.ProtocolError, text, err)
	}
	return n, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fault.Wrap(fault.ProtocolError, "parse number", err)
		}
		out[i] = v
	}
	return out, nil
}

// SetBaud implements colorimeter.Model
func (i *Instrument) SetBaud(tx *comm.Tx, baud int) error {
	return set(tx, "*PARA:BAUD %d", baud)
}

// Init implements colorimeter.Model
func (i *Instrument) Init(tx *comm.Tx) error {
	return set(tx, "*CLS")
}

// Identify implements colorimeter.Model
func (i *Instrument) Identify(tx *comm.Tx) (colorimeter.Identity, error) {
	s, err := query(tx, "*IDN?")
	if err != nil {
		return colorimeter.Identity{}, err
	}
	model, ver, err := comm.ParseIdentity(s)
	if err != nil {
		return colorimeter.Identity{}, err
	}
	id := colorimeter.Identity{Model: model, Version: ver}
	if id.Serial, err = query(tx, "*PARA:SERN?"); err != nil {
		return colorimeter.Identity{}, err
	}
	return id, nil
}

// Configure implements colorimeter.Model
func (i *Instrument) Configure(tx *comm.Tx, cfg colorimeter.Config) error {
	fn := 1
	if cfg.Mode == colorimeter.Ambient {
		fn = 2
	}
	if err := set(tx, "*CONF:FUNC %d", fn); err != nil {
		return err
	}
	avg := cfg.Average
	if avg < 1 {
		avg = 1
	}
	if err := set(tx, "*CONF:AVER %d", avg); err != nil {
		return err
	}
	short, long := cfg.WlShort, cfg.WlLong
	if short == 0 && long == 0 {
		short, long = i.caps.WlShort, i.caps.WlLong
	}
	if err := set(tx, "*CONF:WRAN %g %g %g", short, long, i.caps.WlStep); err != nil {
		return err
	}
	hz := 0.
	if cfg.RefreshSync {
		hz = cfg.RefreshHz
	}
	return set(tx, "*CONF:SYNC %.3f", hz)
}

// Measure implements colorimeter.Model
func (i *Instrument) Measure(tx *comm.Tx, timeout time.Duration) error {
	_, err := tx.Send(comm.Command{Text: "*INIT:MEAS", Terms: termsMeasure, Timeout: timeout, Category: "measurement"})
	return err
}

// ReadXYZ implements colorimeter.Model
func (i *Instrument) ReadXYZ(tx *comm.Tx) (colorimeter.XYZ, error) {
	s, err := query(tx, "*FETC:XYZ?")
	if err != nil {
		return colorimeter.XYZ{}, err
	}
	v, err := parseFloats(s)
	if err != nil {
		return colorimeter.XYZ{}, err
	}
	if len(v) != 3 {
		return colorimeter.XYZ{}, fault.Newf(fault.ProtocolError, "expected 3 tristimulus values, got %q", s)
	}
	return colorimeter.XYZ{v[0], v[1], v[2]}, nil
}

// ReadSpectrum implements colorimeter.Model.  The dump is a header line of
// short, long, step and normalization followed by one sample per line.
func (i *Instrument) ReadSpectrum(tx *comm.Tx) (colorimeter.Spectrum, error) {
	resp, err := tx.Send(comm.Command{Text: "*FETC:SPEC?", Terms: termsSpectral, Timeout: 5 * time.Second, Category: "spectral"})
	if err != nil {
		return colorimeter.Spectrum{}, err
	}
	v, err := parseFloats(string(resp.Payload))
	if err != nil {
		return colorimeter.Spectrum{}, err
	}
	if len(v) < 4 {
		return colorimeter.Spectrum{}, fault.Newf(fault.ProtocolError, "spectrum header missing in %q", resp.Payload)
	}
	if v[2] != i.caps.WlStep {
		return colorimeter.Spectrum{}, fault.Newf(fault.ProtocolError, "spectrum step %g nm, expected %g", v[2], i.caps.WlStep)
	}
	return colorimeter.NewSpectrum(v[0], v[1], v[2], v[4:], v[3])
}

func (i *Instrument) noSwitch() error {
	return fault.Newf(fault.Unsupported, "%s has no read switch", i.caps.Model)
}

// ArmSwitch implements colorimeter.Model
func (i *Instrument) ArmSwitch(tx *comm.Tx) error { return i.noSwitch() }

// SwitchPressed implements colorimeter.Model
func (i *Instrument) SwitchPressed(tx *comm.Tx) (bool, error) { return false, i.noSwitch() }

// DisarmSwitch implements colorimeter.Model
func (i *Instrument) DisarmSwitch(tx *comm.Tx) error { return i.noSwitch() }

// CalRequirement implements colorimeter.Model
func (i *Instrument) CalRequirement(ct colorimeter.CalType) (colorimeter.Condition, string) {
	switch ct {
	case colorimeter.CalDark:
		return colorimeter.CondDarkCap, ""
	case colorimeter.CalRefreshRate:
		return colorimeter.CondEmissiveTarget, ""
	}
	return colorimeter.CondUnknown, ""
}

// Calibrate implements colorimeter.Model
func (i *Instrument) Calibrate(tx *comm.Tx, ct colorimeter.CalType) (colorimeter.CalReport, error) {
	switch ct {
	case colorimeter.CalDark:
		_, err := tx.Send(comm.Command{Text: "*CAL:DARK", Terms: termsSet,
			Timeout: 2*i.caps.MaxIntegration + time.Second, Category: "calibration"})
		return colorimeter.CalReport{}, err
	case colorimeter.CalRefreshRate:
		resp, err := tx.Send(comm.Command{Text: "*CAL:REFR", Terms: termsNormal,
			Timeout: 5 * time.Second, Category: "calibration"})
		if err != nil {
			return colorimeter.CalReport{}, err
		}
		hz, err := strconv.ParseFloat(resp.String(), 64)
		if err != nil {
			return colorimeter.CalReport{}, fault.Wrap(fault.ProtocolError, "refresh rate", err)
		}
		return colorimeter.CalReport{RefreshHz: hz}, nil
	}
	return colorimeter.CalReport{}, fault.Newf(fault.Unsupported, "%s cannot perform %s calibration", i.caps.Model, ct)
}

// NeedsCalibration implements colorimeter.Model; bit 0 of the status is the
// dark reference
func (i *Instrument) NeedsCalibration(tx *comm.Tx) (colorimeter.CalType, error) {
	n, err := queryInt(tx, "*STAT:CAL?")
	if err != nil {
		return 0, err
	}
	var out colorimeter.CalType
	if n&1 != 0 {
		out |= colorimeter.CalDark
	}
	return out, nil
}

// Status implements colorimeter.Model
func (i *Instrument) Status(tx *comm.Tx) (colorimeter.Status, error) {
	var st colorimeter.Status
	if i.caps.HasDiffuser {
		n, err := queryInt(tx, "*STAT:DIFF?")
		if err != nil {
			return st, err
		}
		st.Diffuser = colorimeter.DiffuserEmissive
		if n == 1 {
			st.Diffuser = colorimeter.DiffuserAmbient
		}
	}
	if i.caps.HasLaserTarget {
		n, err := queryInt(tx, "*STAT:LASER?")
		if err != nil {
			return st, err
		}
		st.Laser = n == 1
	}
	return st, nil
}

// SetLaser implements colorimeter.Model
func (i *Instrument) SetLaser(tx *comm.Tx, on bool) error {
	n := 0
	if on {
		n = 1
	}
	return set(tx, "*CONT:LASER %d", n)
}

// SetDisplayType implements colorimeter.Model
func (i *Instrument) SetDisplayType(tx *comm.Tx, name string) error {
	return fault.Newf(fault.Unsupported, "%s has no display type selection", i.caps.Model)
}
