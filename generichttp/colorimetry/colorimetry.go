// Package colorimetry exposes a colorimeter.Driver over HTTP.
//
// Measurements and calibrations are POSTed as JSON and answered with JSON.  A
// user-triggered measurement blocks until /trigger or /abort is posted by
// another client, or the request is cancelled.
package colorimetry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/generichttp"
	"github.com/nasa-jpl/colorlab/generichttp/ascii"
	"github.com/nasa-jpl/colorlab/server"
	"github.com/nasa-jpl/colorlab/util"
)

// InitRequest is the body of POST /init
type InitRequest struct {
	// Baud is the rate to leave the instrument at, zero to keep what is found
	Baud int `json:"baud"`

	// Flow is none, xonxoff or hardware; empty uses the family default
	Flow string `json:"flow"`

	// Timeout bounds the negotiation, in seconds
	Timeout float64 `json:"timeout"`
}

// remote is an Interactor fed by HTTP requests
type remote struct {
	mu      sync.Mutex
	pending colorimeter.Action
}

func (r *remote) Poll() colorimeter.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.pending
	r.pending = colorimeter.Continue
	return a
}

func (r *remote) set(a colorimeter.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = a
}

// HTTPColorimeter wraps a Driver in an HTTP route table
type HTTPColorimeter struct {
	// Drv is the underlying driver
	Drv *colorimeter.Driver

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	// fg serializes the driver's foreground operations
	fg sync.Mutex
	ui remote

	lmu  sync.Mutex
	last *colorimeter.Result
}

// NewHTTPColorimeter returns a new HTTP wrapper around an existing driver
func NewHTTPColorimeter(d *colorimeter.Driver) *HTTPColorimeter {
	h := &HTTPColorimeter{Drv: d}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/identity"}] = h.Identity
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/capabilities"}] = h.Capabilities
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/init"}] = h.Init
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/mode"}] = generichttp.GetString(h.getMode)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/mode"}] = generichttp.SetString(h.setMode)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/measure"}] = h.Measure
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/trigger"}] = h.Trigger
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}] = h.Abort
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/last"}] = h.Last
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/spectrum.fits"}] = h.SpectrumFITS
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/calibrate"}] = h.Calibrate
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/needs-cal"}] = generichttp.GetString(h.needsCal)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = h.Status
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/option/{name}"}] = h.GetOption
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/option/{name}"}] = h.SetOption
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/policies"}] = h.GetPolicies
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/policies"}] = h.SetPolicies
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/refresh-rate"}] = generichttp.GetFloat(h.refreshRate)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/laser"}] = generichttp.GetBool(h.getLaser)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/laser"}] = generichttp.SetBool(h.setLaser)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/display-type"}] = generichttp.GetString(h.getDisplay)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/display-type"}] = generichttp.SetString(h.setDisplay)
	ascii.InjectRawComm(rt, h)
	h.RouteTable = rt
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPColorimeter) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Raw satisfies ascii.RawCommunicator, holding the foreground lock
func (h *HTTPColorimeter) Raw(s string) (string, error) {
	h.fg.Lock()
	defer h.fg.Unlock()
	return h.Drv.Raw(s)
}

// Identity returns the identity read at initialization
func (h *HTTPColorimeter) Identity(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.Drv.Identity())
}

// Capabilities returns the capability profile
func (h *HTTPColorimeter) Capabilities(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.Drv.Capabilities())
}

// Init negotiates the line and initializes the instrument
func (h *HTTPColorimeter) Init(w http.ResponseWriter, r *http.Request) {
	req := InitRequest{Timeout: 10}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flow := h.Drv.DefaultFlow()
	if req.Flow != "" {
		if flow, err = comm.ParseFlowControl(req.Flow); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	h.fg.Lock()
	defer h.fg.Unlock()
	ctx := r.Context()
	timeout := util.SecsToDuration(req.Timeout)
	if err = h.Drv.InitComms(ctx, req.Baud, flow, timeout); err != nil {
		server.Error(w, err)
		return
	}
	if err = h.Drv.InitInstrument(ctx); err != nil {
		server.Error(w, err)
		return
	}
	server.RespondJSON(w, h.Drv.Identity())
}

func (h *HTTPColorimeter) getMode() (string, error) {
	return h.Drv.Mode().String(), nil
}

func (h *HTTPColorimeter) setMode(s string) error {
	m, err := colorimeter.ParseMode(s)
	if err != nil {
		return err
	}
	h.fg.Lock()
	defer h.fg.Unlock()
	return h.Drv.SetMode(context.Background(), m)
}

// Measure takes a reading described by a JSON colorimeter.Request
func (h *HTTPColorimeter) Measure(w http.ResponseWriter, r *http.Request) {
	req := colorimeter.Request{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.fg.Lock()
	defer h.fg.Unlock()
	h.ui.set(colorimeter.Continue)
	res, err := h.Drv.ReadSample(r.Context(), req, &h.ui)
	if err != nil {
		server.Error(w, err)
		return
	}
	h.lmu.Lock()
	h.last = &res
	h.lmu.Unlock()
	server.RespondJSON(w, res)
}

// Trigger releases a measurement waiting on a user trigger
func (h *HTTPColorimeter) Trigger(w http.ResponseWriter, r *http.Request) {
	h.ui.set(colorimeter.Fire)
	w.WriteHeader(http.StatusOK)
}

// Abort cancels a waiting measurement or calibration
func (h *HTTPColorimeter) Abort(w http.ResponseWriter, r *http.Request) {
	h.ui.set(colorimeter.Abort)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPColorimeter) lastResult() (colorimeter.Result, bool) {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	if h.last == nil {
		return colorimeter.Result{}, false
	}
	return *h.last, true
}

// Last returns the most recent measurement
func (h *HTTPColorimeter) Last(w http.ResponseWriter, r *http.Request) {
	res, ok := h.lastResult()
	if !ok {
		http.Error(w, "no measurement has been taken", http.StatusNotFound)
		return
	}
	server.RespondJSON(w, res)
}

// SpectrumFITS streams the most recent spectrum as a FITS file
func (h *HTTPColorimeter) SpectrumFITS(w http.ResponseWriter, r *http.Request) {
	res, ok := h.lastResult()
	if !ok || res.Spectrum == nil {
		http.Error(w, "no spectral measurement has been taken", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", `attachment; filename="spectrum.fits"`)
	if err := WriteFits(w, res, h.Drv.Identity()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Calibrate advances a calibration session carried in the body
func (h *HTTPColorimeter) Calibrate(w http.ResponseWriter, r *http.Request) {
	s := colorimeter.CalSession{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.fg.Lock()
	defer h.fg.Unlock()
	h.ui.set(colorimeter.Continue)
	s, err = h.Drv.Calibrate(r.Context(), s, &h.ui)
	if err != nil {
		server.Error(w, err)
		return
	}
	server.RespondJSON(w, s)
}

func (h *HTTPColorimeter) needsCal() (string, error) {
	h.fg.Lock()
	defer h.fg.Unlock()
	c, err := h.Drv.NeedsCalibration(true)
	return c.String(), err
}

// Status returns the diffuser and laser state
func (h *HTTPColorimeter) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Drv.Status()
	if err != nil {
		server.Error(w, err)
		return
	}
	server.RespondJSON(w, st)
}

// GetOption reads a named option as {"str": value}
func (h *HTTPColorimeter) GetOption(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	generichttp.GetString(func() (string, error) {
		h.fg.Lock()
		defer h.fg.Unlock()
		return h.Drv.GetSetOption(r.Context(), name, "")
	})(w, r)
}

// SetOption writes a named option from {"str": value}
func (h *HTTPColorimeter) SetOption(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	generichttp.SetString(func(v string) error {
		h.fg.Lock()
		defer h.fg.Unlock()
		_, err := h.Drv.GetSetOption(r.Context(), name, v)
		return err
	})(w, r)
}

// GetPolicies returns the firmware workaround policies
func (h *HTTPColorimeter) GetPolicies(w http.ResponseWriter, r *http.Request) {
	h.fg.Lock()
	p := h.Drv.Policies()
	h.fg.Unlock()
	server.RespondJSON(w, p)
}

// SetPolicies replaces the firmware workaround policies
func (h *HTTPColorimeter) SetPolicies(w http.ResponseWriter, r *http.Request) {
	h.fg.Lock()
	defer h.fg.Unlock()
	p := h.Drv.Policies()
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Drv.SetPolicies(p)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPColorimeter) refreshRate() (float64, error) {
	return h.Drv.RefreshRate(), nil
}

func (h *HTTPColorimeter) option(name, value string) (string, error) {
	h.fg.Lock()
	defer h.fg.Unlock()
	return h.Drv.GetSetOption(context.Background(), name, value)
}

func (h *HTTPColorimeter) getLaser() (bool, error) {
	s, err := h.option(colorimeter.OptLaser, "")
	return s == "on", err
}

func (h *HTTPColorimeter) setLaser(on bool) error {
	_, err := h.option(colorimeter.OptLaser, strconv.FormatBool(on))
	return err
}

func (h *HTTPColorimeter) getDisplay() (string, error) {
	return h.option(colorimeter.OptDisplayType, "")
}

func (h *HTTPColorimeter) setDisplay(s string) error {
	_, err := h.option(colorimeter.OptDisplayType, s)
	return err
}
