package colorimeter

import (
	"time"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

// Config is the measurement setup pushed to the instrument
type Config struct {
	// Mode is the illumination mode
	Mode Mode

	Spectral    bool
	RefreshSync bool

	// RefreshHz is the display refresh rate used when RefreshSync is set
	RefreshHz float64

	// Average is the internal average count
	Average int

	// WlShort and WlLong are the spectral range; zero means the full range
	WlShort, WlLong float64
}

// CalReport carries values produced by a calibration
type CalReport struct {
	// RefreshHz is the refresh rate found by CalRefreshRate
	RefreshHz float64
}

// Model is implemented by each instrument family.  Methods taking a Tx are
// called with the connection lock held and must only issue commands through
// it; they never wait on the user.
type Model interface {
	// Capabilities is the static profile of the model
	Capabilities() Capabilities

	// Dialect and Errors describe the wire format and the error code table
	Dialect() comm.Dialect
	Errors() *fault.Table

	// BaudRates are the negotiation candidates, most likely first
	BaudRates() []int

	// Flow is the flow control the family uses by default
	Flow() comm.FlowControl

	// Probe is the command used to test a candidate line rate
	Probe() comm.Command

	// DefaultPolicies are the firmware workarounds for the model
	DefaultPolicies() Policies

	// SetBaud tells the instrument to switch to baud.  The host side is
	// reconfigured by the caller.
	SetBaud(tx *comm.Tx, baud int) error

	Init(tx *comm.Tx) error
	Identify(tx *comm.Tx) (Identity, error)

	// Configure applies cfg to the instrument
	Configure(tx *comm.Tx, cfg Config) error

	// Measure runs one measurement, waiting up to timeout for it to complete
	Measure(tx *comm.Tx, timeout time.Duration) error
	ReadXYZ(tx *comm.Tx) (XYZ, error)
	ReadSpectrum(tx *comm.Tx) (Spectrum, error)

	ArmSwitch(tx *comm.Tx) error
	SwitchPressed(tx *comm.Tx) (bool, error)
	DisarmSwitch(tx *comm.Tx) error

	// CalRequirement returns the setup a calibration type needs and the ID of
	// any reference involved.  It performs no I/O.
	CalRequirement(ct CalType) (Condition, string)

	// Calibrate runs exactly one concrete calibration type
	Calibrate(tx *comm.Tx, ct CalType) (CalReport, error)

	// NeedsCalibration reads the outstanding calibrations from the instrument
	NeedsCalibration(tx *comm.Tx) (CalType, error)

	Status(tx *comm.Tx) (Status, error)
	SetLaser(tx *comm.Tx, on bool) error
	SetDisplayType(tx *comm.Tx, name string) error
}
