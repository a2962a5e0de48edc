package colorimeter

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nasa-jpl/colorlab/fault"
)

func TestSplitAverage(t *testing.T) {
	tests := []struct {
		n, max int
		plan   []int
	}{
		{1, 1, []int{1}},
		{4, 1, []int{1, 1, 1, 1}},
		{4, 10, []int{4}},
		{20, 10, []int{10, 10}},
		{25, 10, []int{9, 8, 8}},
		{9, 8, []int{5, 4}},
		{3, 0, []int{1, 1, 1}},
		{0, 8, []int{1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.max), func(t *testing.T) {
			plan := splitAverage(tt.n, tt.max)
			if fmt.Sprint(plan) != fmt.Sprint(tt.plan) {
				t.Errorf("got %v, expected %v", plan, tt.plan)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("emissive|spectral")
	if err != nil {
		t.Fatal(err)
	}
	if m != Emissive|Spectral {
		t.Errorf("got %v", m)
	}
	if m.String() != "emissive|spectral" {
		t.Errorf("String() = %q", m.String())
	}
	if _, err = ParseMode("infrared"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestParseCalType(t *testing.T) {
	c, err := ParseCalType("white,needed")
	if err != nil {
		t.Fatal(err)
	}
	if c != CalWhite|CalNeeded {
		t.Errorf("got %v", c)
	}
	if c.Concrete() != CalWhite {
		t.Errorf("Concrete() = %v", c.Concrete())
	}
}

func TestCalTypeNext(t *testing.T) {
	c := CalAll | CalWhite | CalRefreshRate
	if n := c.Next(); n != CalWhite {
		t.Errorf("Next() = %v", n)
	}
	if n := CalNeeded.Next(); n != 0 {
		t.Errorf("symbolic only should have no next, got %v", n)
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	c := Capabilities{Modes: Emissive | Ambient | Spectral, Cals: CalDark}
	if !c.Supports(Emissive | Spectral) {
		t.Error("emissive spectral should be supported")
	}
	if c.Supports(Emissive | RefreshSync) {
		t.Error("refresh sync should not be supported")
	}
	if c.CanCalibrate(CalDark | CalWhite) {
		t.Error("white should not be supported")
	}
	if !c.CanCalibrate(CalDark | CalAll) {
		t.Error("symbolic bits should not affect CanCalibrate")
	}
}

func TestNewSpectrumCountsSamples(t *testing.T) {
	if _, err := NewSpectrum(380, 780, 5, make([]float64, 81), 1); err != nil {
		t.Errorf("81 samples over 380-780 at 5nm rejected: %v", err)
	}
	_, err := NewSpectrum(380, 780, 5, make([]float64, 80), 1)
	if !fault.IsKind(err, fault.ProtocolError) {
		t.Errorf("expected ProtocolError for a short spectrum, got %v", err)
	}
}

func TestSpectrumWavelengths(t *testing.T) {
	s := Spectrum{WlShort: 400, WlLong: 420, Samples: []float64{1, 2, 3}}
	wl := s.Wavelengths()
	if len(wl) != 3 || wl[0] != 400 || wl[1] != 410 || wl[2] != 420 {
		t.Errorf("got %v", wl)
	}
}

func ExampleMode_String() {
	fmt.Println(Ambient | Spectral)
	// Output: ambient|spectral
}

func TestSessionJSONUsesWords(t *testing.T) {
	s := CalSession{State: CalAwaitingSetup, Requested: CalAll, Remaining: CalWhite | CalDark,
		Required: CondWhiteReference, ID: "WP0042"}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"state":"awaiting setup","requested":"all","remaining":"dark|white","current":"unknown","required":"white reference","id":"WP0042"}`
	if string(b) != want {
		t.Errorf("got %s", b)
	}
	var back CalSession
	if err = json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != s {
		t.Errorf("round trip gave %+v", back)
	}
}

func TestRequestFromJSON(t *testing.T) {
	var r Request
	err := json.Unmarshal([]byte(`{"trigger":"user","mode":"emissive","spectral":true,"average":3}`), &r)
	if err != nil {
		t.Fatal(err)
	}
	if r.Trigger != TriggerUser || r.Mode != Emissive || !r.Spectral || r.Average != 3 {
		t.Errorf("got %+v", r)
	}
	if err = json.Unmarshal([]byte(`{"mode":"infrared"}`), &r); err == nil {
		t.Error("expected error for unknown mode")
	}
}
