package jeti

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

// Simulator is a software jeti instrument behind a comm.MockLink
type Simulator struct {
	// Link is the host side of the simulated connection
	Link *comm.MockLink

	mu          sync.Mutex
	caps        colorimeter.Capabilities
	ident       string
	function    int
	average     int
	short, long float64
	syncHz      float64
	ambient     bool
	laser       bool
	darkNeeded  bool
	refreshHz   float64
	detectorMax float64
	measured    bool
	corrupt     int
	inject      map[string][]int
}

// NewSimulator creates a simulator for model, listening at 921600 baud
func NewSimulator(model string) (*Simulator, error) {
	caps, ok := profiles[strings.ToLower(model)]
	if !ok {
		return nil, fault.Newf(fault.Unsupported, "unknown jeti model %q", model)
	}
	s := &Simulator{
		caps:      caps,
		ident:     identities[caps.Model],
		function:  1,
		average:   1,
		short:     caps.WlShort,
		long:      caps.WlLong,
		refreshHz: 60,
		inject:    make(map[string][]int),
	}
	s.Link = comm.NewMockLink(s.handle)
	s.Link.SetDeviceBaud(921600)
	return s, nil
}

// SetAmbient moves the diffuser over the optics, or away with false
func (s *Simulator) SetAmbient(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ambient = on
}

// SetDarkNeeded sets the instrument's dark reference flag
func (s *Simulator) SetDarkNeeded(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.darkNeeded = b
}

// SetDetectorMax makes measurement fail with error 7 while the configured
// range extends past nm.  Zero disables the fault.
func (s *Simulator) SetDetectorMax(nm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectorMax = nm
}

// SetRefresh sets the display refresh rate seen by *CAL:REFR; zero means
// no refresh is detected
func (s *Simulator) SetRefresh(hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHz = hz
}

// Corrupt truncates the next n spectrum dumps
func (s *Simulator) Corrupt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// Inject queues error codes returned by the next uses of a command mnemonic,
// e.g. Inject("*INIT:MEAS", 5, 5)
func (s *Simulator) Inject(mnemonic string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject[mnemonic] = append(s.inject[mnemonic], codes...)
}

// Laser reports whether the target laser is on
func (s *Simulator) Laser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laser
}

// Count returns how many times the host wrote mnemonic
func (s *Simulator) Count(mnemonic string) int {
	n := 0
	for _, w := range s.Link.Writes() {
		if f := strings.Fields(w); len(f) > 0 && f[0] == mnemonic {
			n++
		}
	}
	return n
}

func fail(code int) []byte {
	return []byte(fmt.Sprintf("E%03d%c", code, NAK))
}

func line(format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf(format, args...) + "\r")
}

func (s *Simulator) handle(frame string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := strings.Fields(strings.TrimRight(frame, "\r"))
	if len(fields) == 0 {
		return fail(1)
	}
	cmd, args := fields[0], fields[1:]
	if q := s.inject[cmd]; len(q) > 0 {
		s.inject[cmd] = q[1:]
		return fail(q[0])
	}
	ack := []byte{ACK}
	argf := func(i int) (float64, bool) {
		if i >= len(args) {
			return 0, false
		}
		v, err := strconv.ParseFloat(args[i], 64)
		return v, err == nil
	}

	switch cmd {
	case "*IDN?":
		return line("%s V3.12", s.ident)
	case "*PARA:SERN?":
		return line("%s-0042", strings.ToUpper(s.caps.Model))
	case "*PARA:BAUD":
		v, ok := argf(0)
		if !ok {
			return fail(2)
		}
		// the acknowledgment goes out at the old rate
		s.Link.SetDeviceBaud(int(v))
		return ack
	case "*CLS":
		return ack
	case "*CONF:FUNC":
		v, ok := argf(0)
		if !ok || (v != 1 && v != 2) {
			return fail(2)
		}
		if v == 2 {
			if !s.caps.HasDiffuser {
				return fail(12)
			}
			if !s.ambient {
				return fail(13)
			}
		}
		s.function = int(v)
		return ack
	case "*CONF:AVER":
		v, ok := argf(0)
		if !ok || v < 1 || int(v) > s.caps.MaxInternalAverage {
			return fail(2)
		}
		s.average = int(v)
		return ack
	case "*CONF:WRAN":
		short, ok1 := argf(0)
		long, ok2 := argf(1)
		step, ok3 := argf(2)
		if !ok1 || !ok2 || !ok3 || short < s.caps.WlShort || long > s.caps.WlLong || long <= short || step != s.caps.WlStep {
			return fail(2)
		}
		s.short, s.long = short, long
		return ack
	case "*CONF:SYNC":
		v, ok := argf(0)
		if !ok {
			return fail(2)
		}
		if v != 0 && s.caps.Modes&colorimeter.RefreshSync == 0 {
			return fail(12)
		}
		s.syncHz = v
		return ack
	case "*INIT:MEAS":
		if s.darkNeeded {
			return fail(8)
		}
		if s.function == 2 && !s.ambient {
			return fail(13)
		}
		if s.detectorMax > 0 && s.long > s.detectorMax {
			return fail(7)
		}
		s.measured = true
		return []byte{BEL}
	case "*FETC:XYZ?":
		if !s.measured {
			return fail(2)
		}
		x := s.xyz()
		return line("%.4f %.4f %.4f", x[0], x[1], x[2])
	case "*FETC:SPEC?":
		if !s.measured {
			return fail(2)
		}
		return s.spectrum()
	case "*CONT:LASER":
		v, ok := argf(0)
		if !ok {
			return fail(2)
		}
		if !s.caps.HasLaserTarget {
			return fail(12)
		}
		s.laser = v == 1
		return ack
	case "*STAT:DIFF?":
		if !s.caps.HasDiffuser {
			return fail(12)
		}
		if s.ambient {
			return line("1")
		}
		return line("0")
	case "*STAT:LASER?":
		if !s.caps.HasLaserTarget {
			return fail(12)
		}
		if s.laser {
			return line("1")
		}
		return line("0")
	case "*STAT:CAL?":
		if s.darkNeeded {
			return line("1")
		}
		return line("0")
	case "*CAL:DARK":
		s.darkNeeded = false
		return ack
	case "*CAL:REFR":
		if s.refreshHz <= 0 || s.function != 1 {
			return fail(14)
		}
		return line("%.3f", s.refreshHz)
	}
	return fail(1)
}

// xyz is a D65-like white; through the diffuser it reads as illuminance
func (s *Simulator) xyz() colorimeter.XYZ {
	x := colorimeter.XYZ{95.047, 100.0, 108.883}
	if s.function == 2 {
		for i := range x {
			x[i] *= 3.14159
		}
	}
	return x
}

func (s *Simulator) spectrum() []byte {
	n := colorimeter.SampleCount(s.short, s.long, s.caps.WlStep)
	if s.corrupt > 0 {
		s.corrupt--
		n /= 2
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%g %g %g %g\r\n", s.short, s.long, s.caps.WlStep, 1.0)
	for i := 0; i < n; i++ {
		wl := s.short + float64(i)*s.caps.WlStep
		// a broad bump centered in the visible
		v := math.Exp(-math.Pow((wl-560)/120, 2))
		fmt.Fprintf(&b, "%.6f\r\n", v)
	}
	b.WriteByte(ETX)
	return []byte(b.String())
}
