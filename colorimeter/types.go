package colorimeter

import (
	"fmt"
	"strings"

	"github.com/nasa-jpl/colorlab/fault"
)

// Trigger is the discipline that starts a measurement
type Trigger int

const (
	// TriggerProgram measures as soon as the request is made
	TriggerProgram Trigger = iota

	// TriggerUser waits for the interactor to signal Trigger
	TriggerUser

	// TriggerSwitch waits for the instrument's read switch, or the interactor
	TriggerSwitch
)

func (t Trigger) String() string {
	switch t {
	case TriggerProgram:
		return "program"
	case TriggerUser:
		return "user"
	case TriggerSwitch:
		return "switch"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// ParseTrigger converts program, user, or switch into a Trigger
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(s) {
	case "", "program":
		return TriggerProgram, nil
	case "user", "key":
		return TriggerUser, nil
	case "switch":
		return TriggerSwitch, nil
	}
	return 0, fmt.Errorf("unknown trigger %q", s)
}

// Action is the answer of an Interactor poll
type Action int

const (
	// Continue keeps waiting
	Continue Action = iota

	// Fire starts the measurement
	Fire

	// Abort cancels the operation with a UserAbort error
	Abort
)

// Interactor is polled during trigger waits and between calibration steps
type Interactor interface {
	Poll() Action
}

// InteractorFunc adapts a function to the Interactor interface
type InteractorFunc func() Action

// Poll calls f
func (f InteractorFunc) Poll() Action {
	return f()
}

// Request describes one measurement
type Request struct {
	Trigger Trigger `json:"trigger"`

	// Average is the number of readings averaged, values below 1 mean 1
	Average int `json:"average"`

	// Spectral requests a spectrum in addition to XYZ
	Spectral bool `json:"spectral"`

	// Mode is the illumination mode.  Zero keeps the current mode.
	Mode Mode `json:"mode"`

	// RefreshSync synchronizes integration to the display refresh rate
	RefreshSync bool `json:"refreshSync"`
}

// XYZ is a tristimulus value
type XYZ [3]float64

// Spectrum is an evenly spaced series of spectral samples
type Spectrum struct {
	WlShort float64   `json:"wlShort"`
	WlLong  float64   `json:"wlLong"`
	Samples []float64 `json:"samples"`
	Norm    float64   `json:"norm"`
}

// NewSpectrum validates that the number of samples matches the range at step
func NewSpectrum(short, long, step float64, samples []float64, norm float64) (Spectrum, error) {
	want := SampleCount(short, long, step)
	if want == 0 || len(samples) != want {
		return Spectrum{}, fault.Newf(fault.ProtocolError,
			"spectrum %g-%g nm at %g nm needs %d samples, got %d", short, long, step, want, len(samples))
	}
	return Spectrum{WlShort: short, WlLong: long, Samples: samples, Norm: norm}, nil
}

// Step is the wavelength spacing of the samples
func (s Spectrum) Step() float64 {
	if len(s.Samples) < 2 {
		return 0
	}
	return (s.WlLong - s.WlShort) / float64(len(s.Samples)-1)
}

// Wavelengths returns the wavelength of every sample
func (s Spectrum) Wavelengths() []float64 {
	out := make([]float64, len(s.Samples))
	step := s.Step()
	for i := range out {
		out[i] = s.WlShort + float64(i)*step
	}
	return out
}

// Result is the outcome of a measurement
type Result struct {
	XYZ      XYZ       `json:"xyz"`
	Spectrum *Spectrum `json:"spectrum,omitempty"`

	// Type tags the result with the mode it was taken in
	Type Mode `json:"type"`

	Valid bool `json:"valid"`

	// Readings is the number of measurement cycles averaged into the result
	Readings int `json:"readings"`
}

// Condition is a physical setup required before a calibration can run
type Condition int

const (
	// CondUnknown means the caller has not asserted any setup
	CondUnknown Condition = iota

	// CondDarkCap is the optics capped or resting on an opaque surface
	CondDarkCap

	// CondWhiteReference is the instrument resting on its white plaque
	CondWhiteReference

	// CondTransmissionOpen is the transmission aperture with nothing in it
	CondTransmissionOpen

	// CondEmissiveTarget is the instrument on a display showing white
	CondEmissiveTarget
)

func (c Condition) String() string {
	switch c {
	case CondUnknown:
		return "unknown"
	case CondDarkCap:
		return "dark cap"
	case CondWhiteReference:
		return "white reference"
	case CondTransmissionOpen:
		return "transmission open"
	case CondEmissiveTarget:
		return "emissive target"
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// ParseCondition is the inverse of Condition.String, also accepting the
// words joined by underscores
func ParseCondition(s string) (Condition, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", " ")
	for c := CondUnknown; c <= CondEmissiveTarget; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	if s == "" {
		return CondUnknown, nil
	}
	return CondUnknown, fmt.Errorf("unknown calibration condition %q", s)
}

// CalState is the resumable state of a calibration session
type CalState int

const (
	// CalIdle is a session that has not been resolved yet
	CalIdle CalState = iota

	// CalAwaitingSetup is waiting for the caller to arrange Required
	CalAwaitingSetup

	// CalDone is a session with nothing remaining
	CalDone
)

func (s CalState) String() string {
	switch s {
	case CalIdle:
		return "idle"
	case CalAwaitingSetup:
		return "awaiting setup"
	case CalDone:
		return "done"
	}
	return fmt.Sprintf("calstate(%d)", int(s))
}

// CalSession carries a calibration sequence between calls to Calibrate.  The
// driver keeps no copy; everything needed to resume is in the value.
type CalSession struct {
	State CalState `json:"state"`

	// Requested is what the caller asked for, possibly symbolic
	Requested CalType `json:"requested"`

	// Remaining is the concrete set still to be run
	Remaining CalType `json:"remaining"`

	// Current is the physical setup the caller asserts is in place
	Current Condition `json:"current"`

	// Required is the setup the next calibration needs
	Required Condition `json:"required"`

	// ID identifies the required reference, e.g. a plaque serial number
	ID string `json:"id,omitempty"`
}

// NewCalSession starts a session for the requested types
func NewCalSession(req CalType) CalSession {
	return CalSession{State: CalIdle, Requested: req}
}

// Diffuser is the position of the light collecting head
type Diffuser int

const (
	// DiffuserUnknown is an instrument without a diffuser, or not yet read
	DiffuserUnknown Diffuser = iota

	// DiffuserEmissive is the head pointed at a display
	DiffuserEmissive

	// DiffuserAmbient is the diffuser in place for room light
	DiffuserAmbient
)

func (d Diffuser) String() string {
	switch d {
	case DiffuserEmissive:
		return "emissive"
	case DiffuserAmbient:
		return "ambient"
	}
	return "unknown"
}

// Status is the hardware state watched by the background monitor
type Status struct {
	Diffuser Diffuser `json:"diffuser"`
	Laser    bool     `json:"laser"`
}

// Notifier is called by the monitor when Status changes.  It runs on the
// monitor goroutine without any lock held.
type Notifier func(Status)

// Identity is the model and firmware reported by the instrument
type Identity struct {
	Model   string `json:"model"`
	Version string `json:"version"`
	Serial  string `json:"serial,omitempty"`
}

func (i Identity) String() string {
	s := i.Model + " v" + i.Version
	if i.Serial != "" {
		s += " s/n " + i.Serial
	}
	return s
}
