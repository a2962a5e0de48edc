// Package catalog maps configuration strings onto instrument models and links.
//
// Instrument types are written family/model, e.g. jeti/specbos1211 or
// xrite/dtp94; a bare model name is looked up in every family.  Addresses
// select the transport:
//
//	/dev/ttyUSB0, COM3     serial port
//	port:0765:d094         the serial port of the USB adapter with that VID:PID
//	usb:0765:d094          USB bulk endpoints 1 (in) and 2 (out) of that device
//	tcp://10.0.0.5:2001    TCP, e.g. a terminal server; the tcp:// is optional
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
	"github.com/nasa-jpl/colorlab/jeti"
	"github.com/nasa-jpl/colorlab/xrite"
)

type family struct {
	name   string
	models func() []string
	model  func(string) (colorimeter.Model, error)
	sim    func(string) (*comm.MockLink, error)
}

var families = []family{
	{
		name:   jeti.Family,
		models: jeti.Models,
		model:  func(m string) (colorimeter.Model, error) { return jeti.New(m) },
		sim: func(m string) (*comm.MockLink, error) {
			s, err := jeti.NewSimulator(m)
			if err != nil {
				return nil, err
			}
			return s.Link, nil
		},
	},
	{
		name:   xrite.Family,
		models: xrite.Models,
		model:  func(m string) (colorimeter.Model, error) { return xrite.New(m) },
		sim: func(m string) (*comm.MockLink, error) {
			s, err := xrite.NewSimulator(m)
			if err != nil {
				return nil, err
			}
			return s.Link, nil
		},
	},
}

// Types lists every known instrument type as family/model
func Types() []string {
	var out []string
	for _, f := range families {
		for _, m := range f.models() {
			out = append(out, f.name+"/"+m)
		}
	}
	return out
}

func lookup(typ string) (family, string, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	fam, model := "", typ
	if i := strings.IndexByte(typ, '/'); i >= 0 {
		fam, model = typ[:i], typ[i+1:]
	}
	for _, f := range families {
		if fam != "" && f.name != fam {
			continue
		}
		for _, m := range f.models() {
			if m == model {
				return f, model, nil
			}
		}
	}
	return family{}, "", fault.Newf(fault.Unsupported, "unknown instrument type %q, have %v", typ, Types())
}

// Model returns the instrument model for typ
func Model(typ string) (colorimeter.Model, error) {
	f, m, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	return f.model(m)
}

// Simulator returns the link to a fresh simulated instrument of type typ
func Simulator(typ string) (*comm.MockLink, error) {
	f, m, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	return f.sim(m)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad USB id %q: %w", s, err)
	}
	return uint16(v), nil
}

// Link returns an unopened link for addr.  baud is the initial serial rate.
func Link(addr string, baud int) (comm.Link, error) {
	switch {
	case strings.HasPrefix(addr, "usb:"):
		parts := strings.Split(strings.TrimPrefix(addr, "usb:"), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("USB address %q is not usb:VID:PID", addr)
		}
		vid, err := parseID(parts[0])
		if err != nil {
			return nil, err
		}
		pid, err := parseID(parts[1])
		if err != nil {
			return nil, err
		}
		return comm.NewUSBLink(vid, pid, 1, 2), nil
	case strings.HasPrefix(addr, "port:"):
		vidpid := strings.TrimPrefix(addr, "port:")
		name, ok, err := comm.FindPort(vidpid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.Newf(fault.CommsFailure, "no serial port with USB id %s", vidpid)
		}
		return comm.NewSerialLink(name, baud), nil
	case strings.HasPrefix(addr, "tcp://"):
		return comm.NewTCPLink(strings.TrimPrefix(addr, "tcp://")), nil
	case isHostPort(addr):
		return comm.NewTCPLink(addr), nil
	}
	return comm.NewSerialLink(addr, baud), nil
}

// isHostPort distinguishes 10.0.0.5:2001 from COM3 and /dev/ttyS0
func isHostPort(addr string) bool {
	i := strings.LastIndexByte(addr, ':')
	if i <= 0 || strings.HasPrefix(addr, "/") {
		return false
	}
	_, err := strconv.Atoi(addr[i+1:])
	return err == nil
}
