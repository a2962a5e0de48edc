package xrite

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

// Simulator is a software xrite instrument behind a comm.MockLink
type Simulator struct {
	// Link is the host side of the simulated connection
	Link *comm.MockLink

	mu       sync.Mutex
	caps     colorimeter.Capabilities
	ident    string
	mode     string
	average  int
	display  string
	needs    int
	armed    bool
	pressed  bool
	measured bool
	inject   map[string][]int
}

var simIdentities = map[string]string{
	"dtp92":  "X-Rite DTP92 V1.07",
	"dtp94":  "X-Rite DTP94 V2.01 #004217",
	"dtp41t": "X-Rite DTP41T V3.30 #018836",
}

// Plaque is the white reference serial reported by simulated dtp41t units
const Plaque = "WP0042"

// NewSimulator creates a simulator for model, listening at 9600 baud
func NewSimulator(model string) (*Simulator, error) {
	caps, ok := profiles[strings.ToLower(model)]
	if !ok {
		return nil, fault.Newf(fault.Unsupported, "unknown xrite model %q", model)
	}
	s := &Simulator{
		caps:    caps,
		ident:   simIdentities[caps.Model],
		average: 1,
		display: "CRT",
		inject:  make(map[string][]int),
	}
	s.mode = modeCodes[caps.DefaultMode()]
	s.Link = comm.NewMockLink(s.handle)
	s.Link.SetDeviceBaud(9600)
	return s, nil
}

// SetNeeds sets the calibration status mask answered to CS?
func (s *Simulator) SetNeeds(c colorimeter.CalType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needs = 0
	if c&colorimeter.CalDark != 0 {
		s.needs |= 1
	}
	if c&colorimeter.CalWhite != 0 {
		s.needs |= 2
	}
	if c&colorimeter.CalTransmissionWhite != 0 {
		s.needs |= 4
	}
}

// Press presses the read switch; it is seen once the switch is armed
func (s *Simulator) Press() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressed = true
}

// Armed reports whether the read switch is enabled
func (s *Simulator) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Display returns the selected display type
func (s *Simulator) Display() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// Inject queues status codes returned by the next uses of a command mnemonic
func (s *Simulator) Inject(mnemonic string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject[mnemonic] = append(s.inject[mnemonic], codes...)
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

func reply(code int, format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf(format, args...) + fmt.Sprintf("<%02X>", code))
}

func ok() []byte {
	return reply(0, "")
}

func status(code int) []byte {
	return reply(code, "")
}

func (s *Simulator) handle(frame string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := strings.Fields(strings.TrimRight(frame, "\r"))
	if len(fields) == 0 {
		return status(0x01)
	}
	cmd, args := fields[0], fields[1:]
	if q := s.inject[cmd]; len(q) > 0 {
		s.inject[cmd] = q[1:]
		return status(q[0])
	}
	arg := func() string {
		if len(args) == 0 {
			return ""
		}
		return args[0]
	}

	switch cmd {
	case "ID":
		return reply(0, "%s", s.ident)
	case "CE":
		return ok()
	case "BR":
		v, err := strconv.Atoi(arg())
		if err != nil {
			return status(0x02)
		}
		// the acknowledgment goes out at the old rate
		s.Link.SetDeviceBaud(v)
		return ok()
	case "MD":
		for m, c := range modeCodes {
			if c == arg() {
				if s.caps.Modes&m == 0 {
					return status(0x40)
				}
				s.mode = c
				s.measured = false
				return ok()
			}
		}
		return status(0x02)
	case "AV":
		v, err := strconv.Atoi(arg())
		if err != nil || v < 1 || v > s.caps.MaxInternalAverage {
			return status(0x02)
		}
		s.average = v
		return ok()
	case "DT":
		if !s.caps.HasDisplayType {
			return status(0x01)
		}
		if !s.caps.HasDisplay(arg()) {
			return status(0x41)
		}
		s.display = arg()
		return ok()
	case "RM":
		switch {
		case s.mode == "E" && s.needs&1 != 0:
			return status(0x30)
		case s.mode == "R" && s.needs&2 != 0, s.mode == "T" && s.needs&4 != 0:
			return status(0x31)
		}
		s.measured = true
		s.pressed = false
		// the instrument throttles the host while it integrates
		return []byte{comm.XOFF, comm.XON, '<', '0', '0', '>'}
	case "RX":
		if !s.measured {
			return status(0x02)
		}
		x := s.xyz()
		return reply(0, "%.2f %.2f %.2f", x[0], x[1], x[2])
	case "SW":
		if !s.caps.HasSwitch {
			return status(0x01)
		}
		s.armed = arg() == "1"
		if !s.armed {
			s.pressed = false
		}
		return ok()
	case "SS":
		if !s.caps.HasSwitch {
			return status(0x01)
		}
		if s.armed && s.pressed {
			return reply(0, "1")
		}
		return reply(0, "0")
	case "CS?":
		return reply(0, "%X", s.needs)
	case "CD", "CW", "CT":
		bit := map[string]int{"CD": 1, "CW": 2, "CT": 4}[cmd]
		ct := map[string]colorimeter.CalType{
			"CD": colorimeter.CalDark,
			"CW": colorimeter.CalWhite,
			"CT": colorimeter.CalTransmissionWhite,
		}[cmd]
		if s.caps.Cals&ct == 0 {
			return status(0x01)
		}
		s.needs &^= bit
		return ok()
	case "PS?":
		if s.caps.Cals&colorimeter.CalWhite == 0 {
			return status(0x01)
		}
		return reply(0, "%s", Plaque)
	}
	return status(0x01)
}

func (s *Simulator) xyz() colorimeter.XYZ {
	switch s.mode {
	case "R":
		return colorimeter.XYZ{41.24, 35.76, 18.05}
	case "T":
		return colorimeter.XYZ{12.50, 11.00, 9.75}
	}
	if strings.EqualFold(s.display, "LCD") {
		return colorimeter.XYZ{94.81, 100.00, 107.30}
	}
	return colorimeter.XYZ{95.05, 100.00, 108.88}
}
