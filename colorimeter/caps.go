package colorimeter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Mode is a bitmask of measurement modes
type Mode uint32

const (
	// Emissive measures a self-luminous target such as a display
	Emissive Mode = 1 << iota

	// Ambient measures room illumination through a diffuser
	Ambient

	// Transmissive measures film or filters on a light table
	Transmissive

	// Reflective measures a print or surface under the instrument's lamp
	Reflective

	// Spectral captures a spectrum in addition to XYZ
	Spectral

	// RefreshSync times integration to the display refresh rate
	RefreshSync
)

// Illuminations is the set of mutually exclusive illumination modes
const Illuminations = Emissive | Ambient | Transmissive | Reflective

var modeNames = []struct {
	m Mode
	s string
}{
	{Emissive, "emissive"},
	{Ambient, "ambient"},
	{Transmissive, "transmissive"},
	{Reflective, "reflective"},
	{Spectral, "spectral"},
	{RefreshSync, "refresh"},
}

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, n := range modeNames {
		if m&n.m != 0 {
			parts = append(parts, n.s)
		}
	}
	return strings.Join(parts, "|")
}

// Illumination returns the illumination bits of m
func (m Mode) Illumination() Mode {
	return m & Illuminations
}

// ParseMode converts "emissive|spectral" or "ambient" into a Mode
func ParseMode(s string) (Mode, error) {
	var m Mode
	if strings.EqualFold(strings.TrimSpace(s), "none") {
		return 0, nil
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '|' || r == ',' || r == '+' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range modeNames {
			if n.s == part {
				m |= n.m
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown measurement mode %q", part)
		}
	}
	return m, nil
}

// CalType is a bitmask of calibration types
type CalType uint32

const (
	// CalDark is a dark (offset) reference with the optics capped
	CalDark CalType = 1 << iota

	// CalWhite is a white plaque reference for reflective measurement
	CalWhite

	// CalTransmissionWhite is an open-aperture reference for transmission
	CalTransmissionWhite

	// CalRefreshRate detects the display refresh rate for RefreshSync
	CalRefreshRate
)

// Symbolic requests, resolved into concrete types by Calibrate
const (
	// CalNeeded is every type the instrument reports as outstanding
	CalNeeded CalType = 1 << (28 + iota)

	// CalAvailable is every supported type relevant to the current mode
	CalAvailable

	// CalAll is every supported type
	CalAll
)

// calConcrete is every concrete calibration bit
const calConcrete = CalDark | CalWhite | CalTransmissionWhite | CalRefreshRate

var calNames = []struct {
	c CalType
	s string
}{
	{CalDark, "dark"},
	{CalWhite, "white"},
	{CalTransmissionWhite, "transmission"},
	{CalRefreshRate, "refresh"},
	{CalNeeded, "needed"},
	{CalAvailable, "available"},
	{CalAll, "all"},
}

func (c CalType) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, n := range calNames {
		if c&n.c != 0 {
			parts = append(parts, n.s)
		}
	}
	return strings.Join(parts, "|")
}

// Concrete returns c with any symbolic bits removed
func (c CalType) Concrete() CalType {
	return c & calConcrete
}

// Next returns the lowest concrete type in c, or zero
func (c CalType) Next() CalType {
	c = c.Concrete()
	return c & -c
}

// ParseCalType converts "dark|white" or "needed" into a CalType
func ParseCalType(s string) (CalType, error) {
	var c CalType
	if strings.EqualFold(strings.TrimSpace(s), "none") {
		return 0, nil
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '|' || r == ',' || r == '+' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range calNames {
			if n.s == part {
				c |= n.c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown calibration type %q", part)
		}
	}
	return c, nil
}

// Capabilities is the static description of one instrument model
type Capabilities struct {
	Model string `json:"model" yaml:"model"`

	// Modes is every supported mode bit
	Modes Mode `json:"modes" yaml:"modes"`

	// Cals is every supported calibration type
	Cals CalType `json:"cals" yaml:"cals"`

	HasSwitch      bool     `json:"hasSwitch" yaml:"hasSwitch"`
	HasLaserTarget bool     `json:"hasLaserTarget" yaml:"hasLaserTarget"`
	HasDiffuser    bool     `json:"hasDiffuser" yaml:"hasDiffuser"`
	HasDisplayType bool     `json:"hasDisplayType" yaml:"hasDisplayType"`
	DisplayTypes   []string `json:"displayTypes,omitempty" yaml:"displayTypes,omitempty"`

	// WlShort, WlLong, and WlStep describe the spectral range in nm
	WlShort float64 `json:"wlShort,omitempty" yaml:"wlShort,omitempty"`
	WlLong  float64 `json:"wlLong,omitempty" yaml:"wlLong,omitempty"`
	WlStep  float64 `json:"wlStep,omitempty" yaml:"wlStep,omitempty"`

	// MaxInternalAverage is the largest average the instrument computes itself
	MaxInternalAverage int `json:"maxInternalAverage" yaml:"maxInternalAverage"`

	// MaxIntegration is the worst case integration time of one reading
	MaxIntegration time.Duration `json:"maxIntegration" yaml:"maxIntegration"`
}

// Supports is true if every bit of m is a supported mode
func (c Capabilities) Supports(m Mode) bool {
	return m&^c.Modes == 0
}

// CanCalibrate is true if every concrete bit of t is supported
func (c Capabilities) CanCalibrate(t CalType) bool {
	return t.Concrete()&^c.Cals == 0
}

// SampleCount is the number of spectral samples over the full range
func (c Capabilities) SampleCount() int {
	return SampleCount(c.WlShort, c.WlLong, c.WlStep)
}

// DefaultMode is the first supported illumination mode
func (c Capabilities) DefaultMode() Mode {
	for _, m := range []Mode{Emissive, Reflective, Transmissive, Ambient} {
		if c.Modes&m != 0 {
			return m
		}
	}
	return 0
}

// HasDisplay is true if name is one of the display types, case insensitive
func (c Capabilities) HasDisplay(name string) bool {
	for _, d := range c.DisplayTypes {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}

// SampleCount is the number of samples from short to long inclusive at step
func SampleCount(short, long, step float64) int {
	if step <= 0 || long < short {
		return 0
	}
	return int(math.Round((long-short)/step)) + 1
}

// ModelNames returns the keys of a profile map in sorted order
func ModelNames(profiles map[string]Capabilities) []string {
	out := make([]string, 0, len(profiles))
	for k := range profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
