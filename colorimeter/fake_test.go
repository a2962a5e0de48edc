package colorimeter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

// fakeDialect frames commands with CR and reports errors as "ERR n"
type fakeDialect struct{}

func (fakeDialect) Family() string { return "fake" }

func (fakeDialect) Frame(cmd comm.Command) []byte { return []byte(cmd.Text + "\r") }

func (fakeDialect) Extract(body []byte, term byte) ([]byte, int, bool, error) {
	s := string(body)
	if strings.HasPrefix(s, "ERR ") {
		n, err := strconv.Atoi(s[4:])
		return nil, n, true, err
	}
	return body, 0, false, nil
}

func (fakeDialect) ClearError() (comm.Command, bool) { return comm.Command{Text: "CLR"}, true }

func (fakeDialect) MinGap() time.Duration { return 0 }

var fakeTable = fault.NewTable("fake", 0, map[int]fault.Entry{
	4: {Kind: fault.Misread, Desc: "underexposed"},
	7: {Kind: fault.Misread, Desc: "range exceeds detector"},
	9: {Kind: fault.HardwareFailure, Desc: "lamp failure"},
})

// fakeDevice is the instrument behind the mock link
type fakeDevice struct {
	mu         sync.Mutex
	link       *comm.MockLink
	caps       Capabilities
	needs      CalType
	diffuser   Diffuser
	laser      bool
	measErrs   []int
	corrupt    int
	switchWait int
	hangStatus bool
	xyz        XYZ
	xyzByAvg   map[int]XYZ
	avg        int
	short      float64
	long       float64
	refreshHz  float64
}

func newFakeDevice(caps Capabilities) *fakeDevice {
	f := &fakeDevice{caps: caps, xyz: XYZ{1.5, 2.5, 3.5}, diffuser: DiffuserEmissive,
		short: caps.WlShort, long: caps.WlLong, refreshHz: 59.94}
	f.link = comm.NewMockLink(f.handle)
	return f
}

func (f *fakeDevice) handle(frame string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := strings.Fields(frame)
	if len(fields) == 0 {
		return []byte("ERR 1\r")
	}
	ok := []byte("OK\r")
	switch fields[0] {
	case "ID":
		return []byte("FAKE-1 v1.0\r")
	case "CLR", "ARM", "DISARM", "LASER", "DT":
		if fields[0] == "LASER" {
			f.laser = fields[1] == "1"
		}
		return ok
	case "BAUD":
		n, _ := strconv.Atoi(fields[1])
		defer f.link.SetDeviceBaud(n)
		return ok
	case "CONF":
		short, _ := strconv.ParseFloat(fields[5], 64)
		long, _ := strconv.ParseFloat(fields[6], 64)
		if short == 0 && long == 0 {
			short, long = f.caps.WlShort, f.caps.WlLong
		}
		f.short, f.long = short, long
		f.avg, _ = strconv.Atoi(fields[4])
		return ok
	case "MEAS":
		if len(f.measErrs) > 0 {
			code := f.measErrs[0]
			f.measErrs = f.measErrs[1:]
			return []byte(fmt.Sprintf("ERR %d\r", code))
		}
		return ok
	case "XYZ":
		if v, ok := f.xyzByAvg[f.avg]; ok {
			return []byte(fmt.Sprintf("%g %g %g\r", v[0], v[1], v[2]))
		}
		return []byte(fmt.Sprintf("%g %g %g\r", f.xyz[0], f.xyz[1], f.xyz[2]))
	case "SPEC":
		if f.corrupt > 0 {
			f.corrupt--
			return []byte("400 4#0 10\r")
		}
		n := SampleCount(f.short, f.long, f.caps.WlStep)
		parts := []string{fmt.Sprint(f.short), fmt.Sprint(f.long), "2"}
		for i := 0; i < n; i++ {
			parts = append(parts, fmt.Sprint(0.1*float64(i+1)))
		}
		return []byte(strings.Join(parts, " ") + "\r")
	case "SW?":
		if f.switchWait > 0 {
			f.switchWait--
			return []byte("0\r")
		}
		return []byte("1\r")
	case "CAL":
		n, _ := strconv.Atoi(fields[1])
		f.needs &^= CalType(n)
		if CalType(n) == CalRefreshRate {
			return []byte(fmt.Sprintf("%g\r", f.refreshHz))
		}
		return ok
	case "NEEDS?":
		return []byte(fmt.Sprintf("%d\r", f.needs))
	case "STAT?":
		if f.hangStatus {
			return nil
		}
		l := 0
		if f.laser {
			l = 1
		}
		return []byte(fmt.Sprintf("%d %d\r", f.diffuser, l))
	}
	return []byte("ERR 1\r")
}

func (f *fakeDevice) set(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// count returns how many written frames start with prefix
func (f *fakeDevice) count(prefix string) int {
	n := 0
	for _, w := range f.link.Writes() {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

// fakeModel is a Model for fakeDevice
type fakeModel struct {
	caps Capabilities
	pol  Policies
}

func (m fakeModel) Capabilities() Capabilities { return m.caps }
func (fakeModel) Dialect() comm.Dialect        { return fakeDialect{} }
func (fakeModel) Errors() *fault.Table         { return fakeTable }
func (fakeModel) BaudRates() []int             { return []int{9600, 19200, 38400} }
func (fakeModel) Flow() comm.FlowControl       { return comm.FlowNone }
func (fakeModel) Probe() comm.Command {
	return comm.Command{Text: "ID", Timeout: 20 * time.Millisecond}
}
func (m fakeModel) DefaultPolicies() Policies { return m.pol }

func (fakeModel) SetBaud(tx *comm.Tx, baud int) error {
	_, err := tx.Send(comm.Command{Text: fmt.Sprintf("BAUD %d", baud)})
	return err
}

func (fakeModel) Init(tx *comm.Tx) error {
	_, err := tx.Send(comm.Command{Text: "CLR"})
	return err
}

func (fakeModel) Identify(tx *comm.Tx) (Identity, error) {
	resp, err := tx.Send(comm.Command{Text: "ID"})
	if err != nil {
		return Identity{}, err
	}
	model, ver, err := comm.ParseIdentity(resp.String())
	return Identity{Model: model, Version: ver}, err
}

func (fakeModel) Configure(tx *comm.Tx, c Config) error {
	sp, rs := 0, 0
	if c.Spectral {
		sp = 1
	}
	if c.RefreshSync {
		rs = 1
	}
	_, err := tx.Send(comm.Command{Text: fmt.Sprintf("CONF %d %d %d %d %g %g", c.Mode, sp, rs, c.Average, c.WlShort, c.WlLong)})
	return err
}

func (fakeModel) Measure(tx *comm.Tx, timeout time.Duration) error {
	_, err := tx.Send(comm.Command{Text: "MEAS", Timeout: timeout, Category: "measurement"})
	return err
}

func floats(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Fields(s) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fault.Wrap(fault.ProtocolError, "parse", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (fakeModel) ReadXYZ(tx *comm.Tx) (XYZ, error) {
	resp, err := tx.Send(comm.Command{Text: "XYZ"})
	if err != nil {
		return XYZ{}, err
	}
	v, err := floats(resp.String())
	if err != nil || len(v) != 3 {
		return XYZ{}, fault.Newf(fault.ProtocolError, "bad XYZ %q", resp.Payload)
	}
	return XYZ{v[0], v[1], v[2]}, nil
}

func (m fakeModel) ReadSpectrum(tx *comm.Tx) (Spectrum, error) {
	resp, err := tx.Send(comm.Command{Text: "SPEC"})
	if err != nil {
		return Spectrum{}, err
	}
	v, err := floats(resp.String())
	if err != nil {
		return Spectrum{}, err
	}
	if len(v) < 3 {
		return Spectrum{}, fault.New(fault.ProtocolError, "short spectrum")
	}
	return NewSpectrum(v[0], v[1], m.caps.WlStep, v[3:], v[2])
}

func (fakeModel) ArmSwitch(tx *comm.Tx) error {
	_, err := tx.Send(comm.Command{Text: "ARM"})
	return err
}

func (fakeModel) SwitchPressed(tx *comm.Tx) (bool, error) {
	resp, err := tx.Send(comm.Command{Text: "SW?"})
	return resp.String() == "1", err
}

func (fakeModel) DisarmSwitch(tx *comm.Tx) error {
	_, err := tx.Send(comm.Command{Text: "DISARM"})
	return err
}

func (fakeModel) CalRequirement(ct CalType) (Condition, string) {
	switch ct {
	case CalDark:
		return CondDarkCap, ""
	case CalWhite:
		return CondWhiteReference, "plaque-42"
	case CalTransmissionWhite:
		// shares the dark cap setup so that both run in one call
		return CondDarkCap, ""
	}
	return CondEmissiveTarget, ""
}

func (fakeModel) Calibrate(tx *comm.Tx, ct CalType) (CalReport, error) {
	resp, err := tx.Send(comm.Command{Text: fmt.Sprintf("CAL %d", ct), Category: "calibration"})
	if err != nil || ct != CalRefreshRate {
		return CalReport{}, err
	}
	hz, err := strconv.ParseFloat(resp.String(), 64)
	return CalReport{RefreshHz: hz}, err
}

func (fakeModel) NeedsCalibration(tx *comm.Tx) (CalType, error) {
	resp, err := tx.Send(comm.Command{Text: "NEEDS?"})
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(resp.String())
	return CalType(n), err
}

func (fakeModel) Status(tx *comm.Tx) (Status, error) {
	resp, err := tx.Send(comm.Command{Text: "STAT?", Timeout: 5 * time.Second})
	if err != nil {
		return Status{}, err
	}
	v, err := floats(resp.String())
	if err != nil || len(v) != 2 {
		return Status{}, fault.Newf(fault.ProtocolError, "bad status %q", resp.Payload)
	}
	return Status{Diffuser: Diffuser(v[0]), Laser: v[1] == 1}, nil
}

func (fakeModel) SetLaser(tx *comm.Tx, on bool) error {
	n := 0
	if on {
		n = 1
	}
	_, err := tx.Send(comm.Command{Text: fmt.Sprintf("LASER %d", n)})
	return err
}

func (fakeModel) SetDisplayType(tx *comm.Tx, name string) error {
	_, err := tx.Send(comm.Command{Text: "DT " + name})
	return err
}

var (
	emissiveCaps = Capabilities{
		Model:              "fake-emissive",
		Modes:              Emissive | Spectral | RefreshSync,
		Cals:               CalDark | CalRefreshRate,
		WlShort:            400,
		WlLong:             440,
		WlStep:             10,
		MaxInternalAverage: 1,
		MaxIntegration:     100 * time.Millisecond,
	}
	reflectiveCaps = Capabilities{
		Model:              "fake-reflective",
		Modes:              Reflective | Transmissive,
		Cals:               CalDark | CalWhite | CalTransmissionWhite,
		HasSwitch:          true,
		MaxInternalAverage: 8,
		MaxIntegration:     100 * time.Millisecond,
	}
	ambientCaps = Capabilities{
		Model:              "fake-ambient",
		Modes:              Emissive | Ambient,
		Cals:               CalDark,
		HasDiffuser:        true,
		HasLaserTarget:     true,
		HasDisplayType:     true,
		DisplayTypes:       []string{"CRT", "LCD"},
		MaxInternalAverage: 1,
		MaxIntegration:     100 * time.Millisecond,
	}
)
