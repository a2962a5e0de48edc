package xrite

import (
	"context"
	"testing"
	"time"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

func open(t *testing.T, model string, setup func(*Simulator)) (*colorimeter.Driver, *Simulator) {
	t.Helper()
	sim, err := NewSimulator(model)
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(sim)
	}
	inst, err := New(model)
	if err != nil {
		t.Fatal(err)
	}
	d := colorimeter.New(sim.Link, inst)
	d.PollInterval = time.Millisecond
	ctx := context.Background()
	if err = d.InitComms(ctx, 0, inst.Flow(), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if err = d.InitInstrument(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, sim
}

func TestErrorTableIsTotal(t *testing.T) {
	codes := []int{0x01, 0x02, 0x03, 0x10, 0x11, 0x12, 0x20, 0x21, 0x22, 0x23,
		0x30, 0x31, 0x32, 0x40, 0x41, 0x50}
	for _, c := range codes {
		if !Errors.Known(c) {
			t.Errorf("status %02X has no entry", c)
		}
	}
	if len(Errors.Codes()) != len(codes) {
		t.Errorf("table has %d codes, expected %d", len(Errors.Codes()), len(codes))
	}
	if k := fault.KindOf(Errors.Err(0x7f)); k != fault.Other {
		t.Errorf("unknown status mapped to %v", k)
	}
}

func TestDialectExtract(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		payload string
		code    int
		bad     bool
	}{
		{"ack", "<00", "", 0, false},
		{"value", "95.05 100.00 108.88<00", "95.05 100.00 108.88", 0, false},
		{"error", "<31", "", 0x31, false},
		{"hex", "<2A", "", 0x2a, false},
		{"no status", "95.05", "", 0, true},
		{"short status", "<0", "", 0, true},
		{"not hex", "<0G", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, code, has, err := Dialect{}.Extract([]byte(tt.body), Term)
			if tt.bad {
				if err == nil {
					t.Error("expected malformed reply error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !has || string(p) != tt.payload || code != tt.code {
				t.Errorf("got %q %d %v", p, code, has)
			}
		})
	}
}

func TestUnknownModel(t *testing.T) {
	if _, err := New("dtp20"); !fault.IsKind(err, fault.Unsupported) {
		t.Errorf("expected Unsupported, got %v", err)
	}
}

func TestIdentify(t *testing.T) {
	d, _ := open(t, "dtp94", nil)
	id := d.Identity()
	if id.Model != "X-Rite DTP94" || id.Version != "2.01" || id.Serial != "004217" {
		t.Errorf("identity %+v", id)
	}
	d2, _ := open(t, "dtp92", nil)
	if id = d2.Identity(); id.Model != "X-Rite DTP92" || id.Serial != "" {
		t.Errorf("identity %+v", id)
	}
}

func TestEmissiveReadThroughFlowControl(t *testing.T) {
	d, sim := open(t, "dtp92", nil)
	res, err := d.ReadSample(context.Background(), colorimeter.Request{Average: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.XYZ[1] != 100 || res.Readings != 1 || res.Type != colorimeter.Emissive {
		t.Errorf("result %+v", res)
	}
	if sim.Count("AV") != 1 || sim.Count("RM") != 1 {
		t.Errorf("writes %q", sim.Link.Writes())
	}
}

func TestAveragingAboveInstrumentLimit(t *testing.T) {
	d, sim := open(t, "dtp92", nil)
	res, err := d.ReadSample(context.Background(), colorimeter.Request{Average: 16}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Readings != 2 || sim.Count("RM") != 2 {
		t.Errorf("%d readings, %d measurements", res.Readings, sim.Count("RM"))
	}
}

func TestNegotiatesAndChangesRate(t *testing.T) {
	sim, _ := NewSimulator("dtp94")
	sim.Link.SetDeviceBaud(38400)
	inst, _ := New("dtp94")
	d := colorimeter.New(sim.Link, inst)
	defer d.Close()
	if err := d.InitComms(context.Background(), 57600, comm.FlowXonXoff, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if sim.Link.DeviceBaud() != 57600 || sim.Link.Baud() != 57600 {
		t.Errorf("device at %d, host at %d", sim.Link.DeviceBaud(), sim.Link.Baud())
	}
}

func TestUnsupportedRate(t *testing.T) {
	sim, _ := NewSimulator("dtp94")
	inst, _ := New("dtp94")
	d := colorimeter.New(sim.Link, inst)
	defer d.Close()
	if err := d.InitComms(context.Background(), 921600, comm.FlowXonXoff, time.Second); !fault.IsKind(err, fault.Unsupported) {
		t.Fatalf("expected Unsupported, got %v", err)
	}
	if len(sim.Link.Writes()) != 0 {
		t.Error("an unsupported rate reached the instrument")
	}
}

func TestMisreadRetriedTwice(t *testing.T) {
	d, sim := open(t, "dtp92", nil)
	sim.Inject("RM", 0x22, 0x22)
	if _, err := d.ReadSample(context.Background(), colorimeter.Request{}, nil); err != nil {
		t.Fatal(err)
	}
	sim.Inject("RM", 0x21, 0x21, 0x21)
	_, err := d.ReadSample(context.Background(), colorimeter.Request{}, nil)
	if !fault.IsKind(err, fault.Misread) || fault.CodeOf(err) != 0x21 {
		t.Fatalf("expected Misread 21, got %v", err)
	}
}

func TestCalibrationRequiredByDevice(t *testing.T) {
	d, sim := open(t, "dtp92", nil)
	sim.SetNeeds(colorimeter.CalDark)
	_, err := d.ReadSample(context.Background(), colorimeter.Request{}, nil)
	if !fault.IsKind(err, fault.NeedsCalibration) || fault.CodeOf(err) != 0x30 {
		t.Fatalf("expected NeedsCalibration 30, got %v", err)
	}
	if sim.Count("CE") < 2 {
		t.Error("error not cleared")
	}
}

func TestWhiteCalibrationNamesPlaque(t *testing.T) {
	d, sim := open(t, "dtp41t", func(s *Simulator) {
		s.SetNeeds(colorimeter.CalWhite)
	})
	ctx := context.Background()
	if _, err := d.ReadSample(ctx, colorimeter.Request{Mode: colorimeter.Reflective}, nil); !fault.IsKind(err, fault.NeedsCalibration) {
		t.Fatalf("expected NeedsCalibration, got %v", err)
	}
	before := len(sim.Link.Writes())
	s, err := d.Calibrate(ctx, colorimeter.CalSession{Requested: colorimeter.CalWhite}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != colorimeter.CalAwaitingSetup || s.Required != colorimeter.CondWhiteReference || s.ID != Plaque {
		t.Fatalf("session %+v", s)
	}
	if len(sim.Link.Writes()) != before {
		t.Error("checking the setup talked to the instrument")
	}
	s.Current = colorimeter.CondWhiteReference
	if s, err = d.Calibrate(ctx, s, nil); err != nil || s.State != colorimeter.CalDone {
		t.Fatalf("calibration %+v %v", s, err)
	}
	if sim.Count("CW") != 1 {
		t.Errorf("CW sent %d times", sim.Count("CW"))
	}
	res, err := d.ReadSample(ctx, colorimeter.Request{Mode: colorimeter.Reflective}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != colorimeter.Reflective {
		t.Errorf("result tagged %v", res.Type)
	}
}

func TestDarkNotOffered(t *testing.T) {
	d, _ := open(t, "dtp41t", nil)
	_, err := d.Calibrate(context.Background(), colorimeter.CalSession{Requested: colorimeter.CalDark}, nil)
	if !fault.IsKind(err, fault.Unsupported) {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestSwitchTrigger(t *testing.T) {
	d, sim := open(t, "dtp41t", nil)
	polls := 0
	ui := colorimeter.InteractorFunc(func() colorimeter.Action {
		polls++
		if polls == 3 {
			sim.Press()
		}
		return colorimeter.Continue
	})
	res, err := d.ReadSample(context.Background(), colorimeter.Request{Mode: colorimeter.Transmissive, Trigger: colorimeter.TriggerSwitch}, ui)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != colorimeter.Transmissive || res.XYZ[1] != 11 {
		t.Errorf("result %+v", res)
	}
	if sim.Armed() {
		t.Error("switch left armed")
	}
}

func TestSwitchTriggerUnsupported(t *testing.T) {
	d, sim := open(t, "dtp94", nil)
	before := len(sim.Link.Writes())
	_, err := d.ReadSample(context.Background(), colorimeter.Request{Trigger: colorimeter.TriggerSwitch}, nil)
	if !fault.IsKind(err, fault.Unsupported) {
		t.Fatalf("expected Unsupported, got %v", err)
	}
	if len(sim.Link.Writes()) != before {
		t.Error("request reached the instrument")
	}
}

func TestDisplayType(t *testing.T) {
	d, sim := open(t, "dtp94", nil)
	ctx := context.Background()
	if _, err := d.GetSetOption(ctx, colorimeter.OptDisplayType, "LCD"); err != nil {
		t.Fatal(err)
	}
	if sim.Display() != "LCD" {
		t.Errorf("display %q", sim.Display())
	}
	if v, _ := d.GetSetOption(ctx, colorimeter.OptDisplayType, ""); v != "lcd" {
		t.Errorf("get returned %q", v)
	}
	if _, err := d.GetSetOption(ctx, colorimeter.OptDisplayType, "oled"); !fault.IsKind(err, fault.Unsupported) {
		t.Errorf("expected Unsupported, got %v", err)
	}
	d2, _ := open(t, "dtp92", nil)
	if _, err := d2.GetSetOption(ctx, colorimeter.OptDisplayType, "lcd"); !fault.IsKind(err, fault.Unsupported) {
		t.Errorf("expected Unsupported, got %v", err)
	}
}

func TestRefreshSyncUnsupported(t *testing.T) {
	d, _ := open(t, "dtp94", nil)
	_, err := d.ReadSample(context.Background(), colorimeter.Request{RefreshSync: true}, nil)
	if !fault.IsKind(err, fault.Unsupported) {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}
