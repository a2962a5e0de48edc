package colorimetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/jeti"
	"github.com/nasa-jpl/colorlab/server"
)

func newServer(t *testing.T) (*httptest.Server, *jeti.Simulator) {
	t.Helper()
	sim, err := jeti.NewSimulator("specbos1211")
	if err != nil {
		t.Fatal(err)
	}
	inst, _ := jeti.New("specbos1211")
	d := colorimeter.New(sim.Link, inst)
	d.MonitorInterval = 0
	d.PollInterval = time.Millisecond
	h := NewHTTPColorimeter(d)
	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	resp := post(t, srv, "/init", `{"timeout": 2}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init returned %s", resp.Status)
	}
	return srv, sim
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMeasureAndExportFITS(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv, "/measure", `{"mode": "emissive", "spectral": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("measure returned %s", resp.Status)
	}
	var res colorimeter.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Spectrum == nil || len(res.Spectrum.Samples) != 131 || res.Type != colorimeter.Emissive|colorimeter.Spectral {
		t.Fatalf("result %+v", res)
	}

	resp = get(t, srv, "/spectrum.fits")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fits returned %s", resp.Status)
	}
	f, err := fitsio.Open(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatal("primary HDU is not an image")
	}
	samples := make([]float64, 131)
	if err = img.Read(&samples); err != nil {
		t.Fatal(err)
	}
	if len(samples) != 131 || samples[42] != res.Spectrum.Samples[42] {
		t.Errorf("read back %d samples", len(samples))
	}
	if c := img.Header().Get("INSTRUME"); c == nil || c.Value != "JETI specbos 1211" {
		t.Errorf("INSTRUME card %+v", c)
	}
}

func TestFITSWithoutSpectrum(t *testing.T) {
	srv, _ := newServer(t)
	if resp := get(t, srv, "/spectrum.fits"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %s", resp.Status)
	}
	post(t, srv, "/measure", `{}`)
	if resp := get(t, srv, "/spectrum.fits"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for a tristimulus reading, got %s", resp.Status)
	}
}

func TestUserTriggerOverHTTP(t *testing.T) {
	srv, sim := newServer(t)
	done := make(chan *http.Response)
	go func() {
		resp, err := http.Post(srv.URL+"/measure", "application/json", strings.NewReader(`{"trigger": "user"}`))
		if err != nil {
			close(done)
			return
		}
		done <- resp
	}()
	time.Sleep(20 * time.Millisecond)
	if sim.Count("*INIT:MEAS") != 0 {
		t.Fatal("measured before the trigger")
	}
	post(t, srv, "/trigger", "")
	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("measure request failed")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("measure returned %s", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not release the measurement")
	}
}

func TestReadsDuringMeasurement(t *testing.T) {
	srv, _ := newServer(t)
	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/measure", "application/json",
			strings.NewReader(`{"trigger": "user", "mode": "emissive", "spectral": true}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	for i := 0; i < 5; i++ {
		for _, path := range []string{"/mode", "/identity", "/status", "/refresh-rate"} {
			if resp := get(t, srv, path); resp.StatusCode != http.StatusOK {
				t.Errorf("GET %s during a measurement returned %s", path, resp.Status)
			}
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		post(t, srv, "/trigger", "")
		select {
		case code := <-done:
			if code != http.StatusOK {
				t.Errorf("measure returned %d", code)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("measurement never completed")
		}
	}
}

func TestAbortOverHTTP(t *testing.T) {
	srv, sim := newServer(t)
	done := make(chan int)
	go func() {
		resp, err := http.Post(srv.URL+"/measure", "application/json", strings.NewReader(`{"trigger": "user"}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	time.Sleep(20 * time.Millisecond)
	post(t, srv, "/abort", "")
	select {
	case code := <-done:
		if code != http.StatusConflict {
			t.Errorf("expected 409, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not end the measurement")
	}
	if sim.Count("*INIT:MEAS") != 0 {
		t.Error("aborted measurement reached the instrument")
	}
}

func TestCalibrationSessionOverHTTP(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv, "/calibrate", `{"requested": "dark"}`)
	var s colorimeter.CalSession
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.State != colorimeter.CalAwaitingSetup || s.Required != colorimeter.CondDarkCap {
		t.Fatalf("session %+v", s)
	}
	s.Current = colorimeter.CondDarkCap
	b, _ := json.Marshal(s)
	resp = post(t, srv, "/calibrate", string(b))
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.State != colorimeter.CalDone {
		t.Errorf("session %+v", s)
	}
}

func TestOptionsAndErrors(t *testing.T) {
	srv, sim := newServer(t)
	if resp := post(t, srv, "/option/laser", `{"str": "on"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("set laser returned %s", resp.Status)
	}
	if !sim.Laser() {
		t.Error("laser not switched on")
	}
	var s server.StrT
	json.NewDecoder(get(t, srv, "/option/laser").Body).Decode(&s)
	if s.Str != "on" {
		t.Errorf("laser option reads %q", s.Str)
	}
	var b server.BoolT
	json.NewDecoder(get(t, srv, "/laser").Body).Decode(&b)
	if !b.Bool {
		t.Error("laser route reads off")
	}
	if resp := post(t, srv, "/mode", `{"str": "reflective"}`); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("expected 501 for an unsupported mode, got %s", resp.Status)
	}
	if resp := post(t, srv, "/option/display_type", `{"str": "lcd"}`); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("expected 501 for display type, got %s", resp.Status)
	}
}

func TestRawAndEndpoints(t *testing.T) {
	srv, _ := newServer(t)
	var s server.StrT
	resp := post(t, srv, "/raw", `{"str": "*STAT:LASER?"}`)
	json.NewDecoder(resp.Body).Decode(&s)
	if s.Str != "0" {
		t.Errorf("raw reply %q", s.Str)
	}
	var list []string
	json.NewDecoder(get(t, srv, "/endpoints").Body).Decode(&list)
	found := false
	for _, e := range list {
		if e == "POST /measure" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints %v", list)
	}
}

func TestHeaderCards(t *testing.T) {
	res := colorimeter.Result{XYZ: colorimeter.XYZ{1, 2, 3}, Type: colorimeter.Ambient, Readings: 1}
	cards := HeaderCards(res, colorimeter.Identity{Model: "m", Version: "1"})
	for _, c := range cards {
		if c.Name == "WLSHORT" || c.Name == "SERIAL" {
			t.Errorf("unexpected card %s", c.Name)
		}
	}
	var buf bytes.Buffer
	if err := WriteFits(&buf, res, colorimeter.Identity{}); err == nil {
		t.Error("expected an error writing a result without a spectrum")
	}
}
