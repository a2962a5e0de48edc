/*Package colorimeter drives colorimeters and spectroradiometers that speak an
ASCII command/response protocol.

A Driver owns one connection to one instrument.  Instrument families
implement Model; the Driver layers the measurement and calibration state
machines, the capability checks and the background status monitor on top.

	d := colorimeter.New(comm.NewSerialLink("/dev/ttyUSB0", 9600), model)
	if err := d.InitComms(ctx, 0, comm.FlowNone, 5*time.Second); err != nil {
		return err
	}
	if err := d.InitInstrument(ctx); err != nil {
		return err
	}
	res, err := d.ReadSample(ctx, colorimeter.Request{Mode: colorimeter.Emissive}, nil)

Every operation returns either a value or a single error classified by the
fault package.  NeedsCalibration errors are expected and resolved by running
Calibrate.
*/
package colorimeter

import (
	"context"
	"sync"
	"time"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is the interactor and switch poll period
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultMonitorInterval is the status poll period of the monitor
	DefaultMonitorInterval = 500 * time.Millisecond

	// DefaultMonitorGrace is how long Close waits for the monitor to stop
	DefaultMonitorGrace = 2 * time.Second

	// DefaultMeasureMargin is added to the worst case integration time
	DefaultMeasureMargin = 2 * time.Second
)

var errNotInitialized = fault.New(fault.CommsFailure, "instrument not initialized")

// Driver is the public face of one instrument.  Foreground operations must not
// be called concurrently with each other; Identity, Mode, RefreshRate, Status
// and SetNotifier may be called from any goroutine.
type Driver struct {
	// PollInterval is the interactor and switch poll period
	PollInterval time.Duration

	// MonitorInterval is the background status poll period; zero or less
	// disables the monitor
	MonitorInterval time.Duration

	// MonitorGrace bounds the wait for the monitor to acknowledge a stop
	MonitorGrace time.Duration

	// MeasureMargin is added to the measurement timeout
	MeasureMargin time.Duration

	eng   *comm.Engine
	model Model
	caps  Capabilities
	pol   Policies
	log   logrus.FieldLogger

	inited  bool
	needs   CalType
	display string

	// smu guards the fields read by the getters that may run concurrently
	// with foreground operations.  Only foreground operations write them.
	smu        sync.RWMutex
	identity   Identity
	cfg        Config
	configured bool
	refreshHz  float64
	mon        *monitor

	nmu    sync.Mutex
	notify Notifier
}

// New creates a driver for model over link.  Nothing is sent until InitComms.
func New(link comm.Link, model Model) *Driver {
	caps := model.Capabilities()
	eng := comm.NewEngine(link, model.Dialect(), model.Errors())
	d := &Driver{
		PollInterval:    DefaultPollInterval,
		MonitorInterval: DefaultMonitorInterval,
		MonitorGrace:    DefaultMonitorGrace,
		MeasureMargin:   DefaultMeasureMargin,
		eng:             eng,
		model:           model,
		caps:            caps,
		pol:             model.DefaultPolicies(),
	}
	d.SetLogger(logrus.StandardLogger())
	return d
}

// SetLogger replaces the logger of the driver and its engine
func (d *Driver) SetLogger(l logrus.FieldLogger) {
	d.eng.SetLogger(l)
	d.log = d.eng.Logger().WithField("model", d.caps.Model)
}

// Engine returns the command engine, for diagnostics
func (d *Driver) Engine() *comm.Engine {
	return d.eng
}

// Capabilities returns the profile of the instrument
func (d *Driver) Capabilities() Capabilities {
	return d.caps
}

// DefaultFlow is the flow control the instrument family uses
func (d *Driver) DefaultFlow() comm.FlowControl {
	return d.model.Flow()
}

// Policies returns the firmware workaround policies in effect
func (d *Driver) Policies() Policies {
	return d.pol
}

// SetPolicies overrides the firmware workaround policies
func (d *Driver) SetPolicies(p Policies) {
	d.pol = p
}

// Identity returns what the instrument reported at InitInstrument
func (d *Driver) Identity() Identity {
	d.smu.RLock()
	defer d.smu.RUnlock()
	return d.identity
}

// Mode returns the configured illumination and modifier bits
func (d *Driver) Mode() Mode {
	d.smu.RLock()
	defer d.smu.RUnlock()
	if !d.configured {
		return 0
	}
	return modeOf(d.cfg)
}

// RefreshRate returns the display refresh rate used for RefreshSync, 0 if unknown
func (d *Driver) RefreshRate() float64 {
	d.smu.RLock()
	defer d.smu.RUnlock()
	return d.refreshHz
}

// SetNotifier registers the function called when the monitor sees a change
func (d *Driver) SetNotifier(n Notifier) {
	d.nmu.Lock()
	defer d.nmu.Unlock()
	d.notify = n
}

func (d *Driver) notifier() Notifier {
	d.nmu.Lock()
	defer d.nmu.Unlock()
	return d.notify
}

// InitComms negotiates the line rate.  With baud zero the instrument is left
// at whatever rate it was found at; otherwise it is switched to baud.
func (d *Driver) InitComms(ctx context.Context, baud int, flow comm.FlowControl, timeout time.Duration) error {
	rates := d.model.BaudRates()
	if baud != 0 && !containsInt(rates, baud) {
		return fault.Newf(fault.Unsupported, "%s does not support %d baud", d.caps.Model, baud)
	}
	found, err := d.eng.Negotiate(ctx, rates, flow, timeout, d.model.Probe())
	if err != nil {
		return err
	}
	if baud == 0 || baud == found {
		return nil
	}
	err = d.eng.Do(func(tx *comm.Tx) error {
		if err := d.model.SetBaud(tx, baud); err != nil {
			return err
		}
		return tx.Configure(baud, flow)
	})
	if err != nil {
		return err
	}
	if _, err = d.eng.Send(d.model.Probe()); err != nil {
		return fault.Wrap(fault.CommsFailure, "instrument silent after rate change", err)
	}
	d.log.WithField("baud", baud).Info("line rate changed")
	return nil
}

// InitInstrument identifies the instrument, reads its calibration status and
// starts the status monitor if the instrument has anything to monitor
func (d *Driver) InitInstrument(ctx context.Context) error {
	if d.eng.State() != comm.Connected {
		return fault.Wrap(fault.CommsFailure, "init instrument", comm.ErrNotConnected)
	}
	err := d.eng.Do(func(tx *comm.Tx) error {
		if err := d.model.Init(tx); err != nil {
			return err
		}
		id, err := d.model.Identify(tx)
		if err != nil {
			return err
		}
		needs, err := d.model.NeedsCalibration(tx)
		if err != nil {
			return err
		}
		d.smu.Lock()
		d.identity = id
		d.smu.Unlock()
		d.needs = needs
		return nil
	})
	if err != nil {
		return err
	}
	d.inited = true
	d.smu.Lock()
	d.configured = false
	if (d.caps.HasDiffuser || d.caps.HasLaserTarget) && d.MonitorInterval > 0 && d.mon == nil {
		d.mon = startMonitor(d, d.MonitorInterval)
	}
	d.smu.Unlock()
	d.log.WithFields(logrus.Fields{"identity": d.identity.String(), "needs": d.needs}).Info("instrument initialized")
	return nil
}

// SetMode reconfigures the instrument for m.  Modifier bits (Spectral,
// RefreshSync) in m are applied too.
func (d *Driver) SetMode(ctx context.Context, m Mode) error {
	if !d.inited {
		return errNotInitialized
	}
	if m.Illumination() == 0 {
		m |= d.currentIllumination()
	}
	req := Request{Mode: m.Illumination(), Spectral: m&Spectral != 0, RefreshSync: m&RefreshSync != 0, Average: 1}
	if d.configured {
		req.Average = d.cfg.Average
	}
	if err := d.validate(req); err != nil {
		return err
	}
	return d.apply(d.configFor(req, req.Average))
}

// NeedsCalibration returns the outstanding calibrations as last read or
// cleared; refresh re-reads them from the instrument
func (d *Driver) NeedsCalibration(refresh bool) (CalType, error) {
	if !refresh {
		return d.needs, nil
	}
	if !d.inited {
		return 0, errNotInitialized
	}
	err := d.eng.Do(func(tx *comm.Tx) error {
		n, err := d.model.NeedsCalibration(tx)
		if err == nil {
			d.needs = n
		}
		return err
	})
	return d.needs, err
}

// Status returns the diffuser and laser state.  While the monitor runs this is
// its last observation and costs no I/O.
func (d *Driver) Status() (Status, error) {
	d.smu.RLock()
	mon := d.mon
	d.smu.RUnlock()
	if mon != nil {
		if st, ok := mon.last(); ok {
			return st, nil
		}
	}
	return d.queryStatus()
}

// queryStatus reads the status from the instrument
func (d *Driver) queryStatus() (Status, error) {
	var st Status
	err := d.eng.Do(func(tx *comm.Tx) error {
		var err error
		st, err = d.model.Status(tx)
		return err
	})
	return st, err
}

// Raw sends text as-is and returns the reply payload
func (d *Driver) Raw(text string) (string, error) {
	return d.eng.Raw(text, 0)
}

// Close stops the monitor and closes the link
func (d *Driver) Close() error {
	d.smu.Lock()
	mon := d.mon
	d.mon = nil
	d.smu.Unlock()
	if mon != nil {
		mon.stop(d.MonitorGrace)
	}
	d.inited = false
	return d.eng.Close()
}

func (d *Driver) currentIllumination() Mode {
	if d.configured {
		return d.cfg.Mode
	}
	return d.caps.DefaultMode()
}

// apply pushes cfg to the instrument if it differs from what is there
func (d *Driver) apply(cfg Config) error {
	if d.configured && cfg == d.cfg {
		return nil
	}
	err := d.eng.Do(func(tx *comm.Tx) error {
		return d.model.Configure(tx, cfg)
	})
	d.smu.Lock()
	defer d.smu.Unlock()
	if err != nil {
		d.configured = false
		return err
	}
	d.cfg, d.configured = cfg, true
	d.log.WithField("mode", modeOf(cfg)).Debug("instrument configured")
	return nil
}

func modeOf(c Config) Mode {
	m := c.Mode
	if c.Spectral {
		m |= Spectral
	}
	if c.RefreshSync {
		m |= RefreshSync
	}
	return m
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
