package colorimeter

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
)

// Option names understood by GetSetOption
const (
	OptLaser       = "laser"
	OptDiffuser    = "diffuser"
	OptDisplayType = "display_type"
	OptRefreshRate = "refresh_rate"
	OptNeedsCal    = "needs_cal"
	OptIdentity    = "identity"
)

type option struct {
	get func(d *Driver) (string, error)
	set func(d *Driver, v string) error
}

var options = map[string]option{
	OptLaser: {
		get: func(d *Driver) (string, error) {
			if !d.caps.HasLaserTarget {
				return "", fault.Newf(fault.Unsupported, "%s has no target laser", d.caps.Model)
			}
			st, err := d.queryStatus()
			return onOff(st.Laser), err
		},
		set: func(d *Driver, v string) error {
			if !d.caps.HasLaserTarget {
				return fault.Newf(fault.Unsupported, "%s has no target laser", d.caps.Model)
			}
			on, err := parseOnOff(v)
			if err != nil {
				return err
			}
			return d.eng.Do(func(tx *comm.Tx) error { return d.model.SetLaser(tx, on) })
		},
	},
	OptDiffuser: {
		get: func(d *Driver) (string, error) {
			if !d.caps.HasDiffuser {
				return "", fault.Newf(fault.Unsupported, "%s has no diffuser", d.caps.Model)
			}
			st, err := d.queryStatus()
			return st.Diffuser.String(), err
		},
	},
	OptDisplayType: {
		get: func(d *Driver) (string, error) {
			if !d.caps.HasDisplayType {
				return "", fault.Newf(fault.Unsupported, "%s has no display type selection", d.caps.Model)
			}
			return d.display, nil
		},
		set: func(d *Driver, v string) error {
			if !d.caps.HasDisplayType || !d.caps.HasDisplay(v) {
				return fault.Newf(fault.Unsupported, "%s does not support display type %q", d.caps.Model, v)
			}
			err := d.eng.Do(func(tx *comm.Tx) error { return d.model.SetDisplayType(tx, v) })
			if err == nil {
				d.display = strings.ToLower(v)
			}
			return err
		},
	},
	OptRefreshRate: {
		get: func(d *Driver) (string, error) {
			return strconv.FormatFloat(d.refreshHz, 'f', -1, 64), nil
		},
		set: func(d *Driver, v string) error {
			hz, err := strconv.ParseFloat(v, 64)
			if err != nil || hz < 0 {
				return fault.Newf(fault.Unsupported, "invalid refresh rate %q", v)
			}
			d.smu.Lock()
			d.refreshHz = hz
			if d.cfg.RefreshSync {
				d.configured = false
			}
			d.smu.Unlock()
			return nil
		},
	},
	OptNeedsCal: {
		get: func(d *Driver) (string, error) {
			n, err := d.NeedsCalibration(true)
			return n.String(), err
		},
	},
	OptIdentity: {
		get: func(d *Driver) (string, error) {
			return d.identity.String(), nil
		},
	},
}

// Options lists the option names in sorted order
func Options() []string {
	out := make([]string, 0, len(options))
	for k := range options {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetSetOption reads the option name when value is empty, otherwise sets it.
// The value of the option after the call is returned.
func (d *Driver) GetSetOption(ctx context.Context, name, value string) (string, error) {
	if !d.inited {
		return "", errNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.UserAbort, "option "+name, err)
	}
	opt, ok := options[name]
	if !ok {
		return "", fault.Newf(fault.Unsupported, "unknown option %q", name)
	}
	if value != "" {
		if opt.set == nil {
			return "", fault.Newf(fault.Unsupported, "option %q is read only", name)
		}
		if err := opt.set(d, value); err != nil {
			return "", err
		}
	}
	return opt.get(d)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fault.Newf(fault.Unsupported, "expected on or off, got %q", s)
}
