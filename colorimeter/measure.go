package colorimeter

import (
	"context"
	"time"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
	"github.com/nasa-jpl/colorlab/util"
	"github.com/sirupsen/logrus"
)

type measState int

const (
	measIdle measState = iota
	measAwaitingTrigger
	measTriggered
	measAcquiring
	measRetrying
	measComplete
	measFailed
)

func (s measState) String() string {
	return [...]string{"idle", "awaiting trigger", "triggered", "acquiring", "retrying", "complete", "failed"}[s]
}

// measurement is one pass through the measurement state machine
type measurement struct {
	d     *Driver
	ctx   context.Context
	req   Request
	ui    Interactor
	state measState
	log   logrus.FieldLogger
}

func (m *measurement) enter(s measState) {
	m.log.WithFields(logrus.Fields{"from": m.state, "to": s}).Debug("measurement state")
	m.state = s
}

// ReadSample takes one measurement.  The instrument is reconfigured if the
// request differs from the current setup, the trigger discipline is honored,
// and readings beyond the instrument's own averaging are repeated and
// averaged here.  ui may be nil for program triggered measurements.
func (d *Driver) ReadSample(ctx context.Context, req Request, ui Interactor) (Result, error) {
	m := &measurement{d: d, ctx: ctx, req: req, ui: ui,
		log: d.log.WithField("trigger", req.Trigger)}
	res, err := m.run()
	if err != nil {
		m.enter(measFailed)
		return Result{}, err
	}
	m.enter(measComplete)
	return res, nil
}

func (m *measurement) run() (Result, error) {
	d := m.d
	if !d.inited {
		return Result{}, errNotInitialized
	}
	req := m.req
	if req.Average < 1 {
		req.Average = 1
	}
	if req.Mode.Illumination() == 0 {
		req.Mode |= d.currentIllumination()
	}
	req.Mode = req.Mode.Illumination()
	if err := d.validate(req); err != nil {
		return Result{}, err
	}
	if err := d.calGate(req); err != nil {
		return Result{}, err
	}

	plan := splitAverage(req.Average, d.caps.MaxInternalAverage)
	cfg := d.configFor(req, plan[0])
	if err := d.apply(cfg); err != nil {
		return Result{}, err
	}

	m.enter(measAwaitingTrigger)
	if err := m.awaitTrigger(); err != nil {
		return Result{}, err
	}
	m.enter(measTriggered)

	var (
		chans   [3][]float64
		weights []float64
		spec    *Spectrum
	)
	for c, internal := range plan {
		if c > 0 {
			if err := m.checkAbort(); err != nil {
				return Result{}, err
			}
			// the last cycles may take one reading fewer
			if internal != d.cfg.Average {
				next := d.cfg
				next.Average = internal
				if err := d.apply(next); err != nil {
					return Result{}, err
				}
			}
		}
		xyz, sp, err := m.acquire()
		if err != nil {
			return Result{}, err
		}
		w := float64(internal)
		for i := range chans {
			chans[i] = append(chans[i], xyz[i])
		}
		weights = append(weights, w)
		if req.Spectral {
			if spec, err = accumulate(spec, sp, w); err != nil {
				return Result{}, err
			}
		}
	}

	res := Result{Type: modeOf(d.cfg), Valid: true, Readings: len(plan)}
	for i := range chans {
		res.XYZ[i] = util.WeightedMean(chans[i], weights)
	}
	if spec != nil {
		n := float64(req.Average)
		for i := range spec.Samples {
			spec.Samples[i] /= n
		}
		spec.Norm /= n
		res.Spectrum = spec
	}
	return res, nil
}

// validate checks req against the capability profile
func (d *Driver) validate(req Request) error {
	c := d.caps
	switch {
	case req.Mode.Illumination() == 0:
		return fault.Newf(fault.Unsupported, "%s has no illumination mode", c.Model)
	case !c.Supports(req.Mode):
		return fault.Newf(fault.Unsupported, "%s does not support %s measurement", c.Model, req.Mode)
	case req.Spectral && !c.Supports(Spectral):
		return fault.Newf(fault.Unsupported, "%s is not a spectral instrument", c.Model)
	case req.RefreshSync && !c.Supports(RefreshSync):
		return fault.Newf(fault.Unsupported, "%s cannot synchronize to refresh", c.Model)
	case req.RefreshSync && req.Mode != Emissive:
		return fault.New(fault.Unsupported, "refresh synchronization needs emissive mode")
	case req.Trigger == TriggerSwitch && !c.HasSwitch:
		return fault.Newf(fault.Unsupported, "%s has no read switch", c.Model)
	case req.Trigger < TriggerProgram || req.Trigger > TriggerSwitch:
		return fault.Newf(fault.Unsupported, "unknown trigger %v", req.Trigger)
	}
	return nil
}

// requiredCals is the set of calibrations that gate measurement in mode
func requiredCals(m Mode) CalType {
	c := CalDark
	switch m.Illumination() {
	case Reflective:
		c |= CalWhite
	case Transmissive:
		c |= CalTransmissionWhite
	}
	return c
}

// calGate refuses to measure while a calibration that affects req is outstanding
func (d *Driver) calGate(req Request) error {
	if out := d.needs & requiredCals(req.Mode) & d.caps.Cals; out != 0 {
		return fault.Newf(fault.NeedsCalibration, "%s calibration needed before %s measurement", out, req.Mode)
	}
	if req.RefreshSync && d.refreshHz <= 0 {
		return fault.New(fault.NeedsCalibration, "refresh rate calibration needed before synchronized measurement")
	}
	return nil
}

func (d *Driver) configFor(req Request, internal int) Config {
	cfg := Config{
		Mode:        req.Mode.Illumination(),
		Spectral:    req.Spectral,
		RefreshSync: req.RefreshSync,
		Average:     internal,
	}
	if req.RefreshSync {
		cfg.RefreshHz = d.refreshHz
	}
	// keep a range narrowed by an earlier workaround
	if d.configured {
		cfg.WlShort, cfg.WlLong = d.cfg.WlShort, d.cfg.WlLong
	}
	return cfg
}

// splitAverage divides n readings into the fewest cycles of at most max
// internal readings.  The per-cycle counts sum to n and differ by at most one,
// larger first.
func splitAverage(n, max int) []int {
	if max < 1 {
		max = 1
	}
	if n < 1 {
		n = 1
	}
	cycles := (n + max - 1) / max
	plan := make([]int, cycles)
	for i := range plan {
		plan[i] = n / cycles
		if i < n%cycles {
			plan[i]++
		}
	}
	return plan
}

func (m *measurement) checkAbort() error {
	if err := m.ctx.Err(); err != nil {
		return fault.Wrap(fault.UserAbort, "measurement", err)
	}
	if m.ui != nil && m.ui.Poll() == Abort {
		return fault.New(fault.UserAbort, "measurement aborted")
	}
	return nil
}

// poll asks the interactor once; a nil interactor never triggers
func (m *measurement) poll() (Action, error) {
	if err := m.ctx.Err(); err != nil {
		return Abort, fault.Wrap(fault.UserAbort, "measurement", err)
	}
	if m.ui == nil {
		return Continue, nil
	}
	a := m.ui.Poll()
	if a == Abort {
		return a, fault.New(fault.UserAbort, "measurement aborted")
	}
	return a, nil
}

func (m *measurement) sleep() error {
	t := time.NewTimer(m.d.PollInterval)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return fault.Wrap(fault.UserAbort, "measurement", m.ctx.Err())
	case <-t.C:
		return nil
	}
}

func (m *measurement) awaitTrigger() error {
	switch m.req.Trigger {
	case TriggerUser:
		if m.ui == nil {
			return fault.New(fault.Unsupported, "user trigger needs an interactor")
		}
		for {
			a, err := m.poll()
			if err != nil {
				return err
			}
			if a == Fire {
				return nil
			}
			if err = m.sleep(); err != nil {
				return err
			}
		}
	case TriggerSwitch:
		return m.awaitSwitch()
	default:
		return m.checkAbort()
	}
}

// awaitSwitch arms the read switch and alternates between asking the
// instrument and the interactor.  The switch is always disarmed on the way out.
func (m *measurement) awaitSwitch() error {
	d := m.d
	if err := d.eng.Do(func(tx *comm.Tx) error { return d.model.ArmSwitch(tx) }); err != nil {
		return err
	}
	defer func() {
		if err := d.eng.Do(func(tx *comm.Tx) error { return d.model.DisarmSwitch(tx) }); err != nil {
			m.log.WithError(err).Warn("disarm switch")
		}
	}()
	for {
		var pressed bool
		err := d.eng.Do(func(tx *comm.Tx) error {
			var err error
			pressed, err = d.model.SwitchPressed(tx)
			return err
		})
		if err != nil {
			return err
		}
		if pressed {
			return nil
		}
		a, err := m.poll()
		if err != nil {
			return err
		}
		if a == Fire {
			return nil
		}
		if err = m.sleep(); err != nil {
			return err
		}
	}
}

func (m *measurement) timeout() time.Duration {
	d := m.d
	integ := d.caps.MaxIntegration
	if integ <= 0 {
		integ = 10 * time.Second
	}
	n := d.cfg.Average
	if n < 1 {
		n = 1
	}
	return integ*time.Duration(n) + d.MeasureMargin
}

// acquire runs one measurement cycle with the Misread and range narrowing
// policies applied
func (m *measurement) acquire() (XYZ, *Spectrum, error) {
	d := m.d
	pol := d.pol
	narrowed, misreads := 0, 0
	for {
		m.enter(measAcquiring)
		xyz, sp, err := m.cycle()
		if err == nil {
			return xyz, sp, nil
		}
		if !fault.IsKind(err, fault.Misread) {
			return XYZ{}, nil, err
		}
		code := fault.CodeOf(err)
		switch {
		case pol.RangeNarrowing.Applies(code) && narrowed < pol.RangeNarrowing.MaxRetries:
			narrowed++
			m.enter(measRetrying)
			m.log.WithFields(logrus.Fields{"code": code, "try": narrowed}).Info("narrowing spectral range")
			if nerr := d.narrow(pol.RangeNarrowing.Step); nerr != nil {
				return XYZ{}, nil, nerr
			}
		case misreads < pol.MisreadRetries:
			misreads++
			m.enter(measRetrying)
			m.log.WithError(err).WithField("try", misreads).Info("repeating misread measurement")
		default:
			return XYZ{}, nil, err
		}
		if aerr := m.checkAbort(); aerr != nil {
			return XYZ{}, nil, aerr
		}
	}
}

// narrow shrinks the configured spectral range by step at both ends
func (d *Driver) narrow(step float64) error {
	cfg := d.cfg
	if cfg.WlShort == 0 && cfg.WlLong == 0 {
		cfg.WlShort, cfg.WlLong = d.caps.WlShort, d.caps.WlLong
	}
	cfg.WlShort = util.Clamp(cfg.WlShort+step, d.caps.WlShort, d.caps.WlLong)
	cfg.WlLong = util.Clamp(cfg.WlLong-step, d.caps.WlShort, d.caps.WlLong)
	if cfg.WlLong-cfg.WlShort < d.caps.WlStep {
		return fault.Newf(fault.Misread, "spectral range exhausted at %g-%g nm", cfg.WlShort, cfg.WlLong)
	}
	return d.apply(cfg)
}

// cycle is measure, read XYZ, and optionally fetch the spectrum.  Each step is
// its own locked exchange so the monitor can interleave.
func (m *measurement) cycle() (XYZ, *Spectrum, error) {
	d := m.d
	var xyz XYZ
	err := d.eng.Do(func(tx *comm.Tx) error {
		return d.model.Measure(tx, m.timeout())
	})
	if err != nil {
		return xyz, nil, err
	}
	err = d.eng.Do(func(tx *comm.Tx) error {
		var err error
		xyz, err = d.model.ReadXYZ(tx)
		return err
	})
	if err != nil {
		return xyz, nil, err
	}
	if !m.req.Spectral {
		return xyz, nil, nil
	}
	sp, err := m.fetchSpectrum()
	return xyz, sp, err
}

// fetchSpectrum reads the spectrum of the last measurement, fetching again on
// corrupt replies without measuring again
func (m *measurement) fetchSpectrum() (*Spectrum, error) {
	d := m.d
	var lastErr error
	for try := 0; try <= d.pol.SpectralFetchRetries; try++ {
		var sp Spectrum
		err := d.eng.Do(func(tx *comm.Tx) error {
			var err error
			sp, err = d.model.ReadSpectrum(tx)
			return err
		})
		if err == nil {
			if _, verr := NewSpectrum(sp.WlShort, sp.WlLong, d.caps.WlStep, sp.Samples, sp.Norm); verr != nil {
				err = verr
			} else {
				return &sp, nil
			}
		}
		k := fault.KindOf(err)
		if k != fault.ProtocolError && k != fault.Misread {
			return nil, err
		}
		lastErr = err
		m.log.WithError(err).WithField("try", try+1).Info("spectrum fetch failed")
	}
	return nil, lastErr
}

// accumulate adds sp weighted by w into acc, which must cover the same range
func accumulate(acc *Spectrum, sp *Spectrum, w float64) (*Spectrum, error) {
	if sp == nil {
		return acc, fault.New(fault.ProtocolError, "spectrum missing from reading")
	}
	if acc == nil {
		cp := *sp
		cp.Samples = make([]float64, len(sp.Samples))
		for i, v := range sp.Samples {
			cp.Samples[i] = v * w
		}
		cp.Norm = sp.Norm * w
		return &cp, nil
	}
	if len(acc.Samples) != len(sp.Samples) || acc.WlShort != sp.WlShort || acc.WlLong != sp.WlLong {
		return acc, fault.Newf(fault.ProtocolError, "cannot average spectra over %g-%g and %g-%g nm",
			acc.WlShort, acc.WlLong, sp.WlShort, sp.WlLong)
	}
	for i, v := range sp.Samples {
		acc.Samples[i] += v * w
	}
	acc.Norm += sp.Norm * w
	return acc, nil
}
