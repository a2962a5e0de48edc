package colorimeter

import (
	"context"

	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/fault"
	"github.com/sirupsen/logrus"
)

// Calibrate advances a calibration session.  When the next calibration needs a
// physical setup other than s.Current, the session comes back in
// CalAwaitingSetup with Required and ID filled in and nothing is sent to the
// instrument; the caller arranges the setup, sets Current, and calls again.
// Calibrations that share a setup run in one call.
//
// On error the returned session is the last consistent one, so the caller may
// retry it.
func (d *Driver) Calibrate(ctx context.Context, s CalSession, ui Interactor) (CalSession, error) {
	if !d.inited {
		return s, errNotInitialized
	}
	log := d.log.WithField("requested", s.Requested)
	if s.State == CalDone {
		return s, nil
	}
	if s.State == CalIdle {
		rem, err := d.resolve(s.Requested)
		if err != nil {
			return s, err
		}
		s.Remaining = rem
		log.WithField("remaining", rem).Debug("calibration resolved")
	}
	for {
		next := s.Remaining.Next()
		if next == 0 {
			s.State, s.Required, s.ID = CalDone, CondUnknown, ""
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return s, fault.Wrap(fault.UserAbort, "calibration", err)
		}
		if ui != nil && ui.Poll() == Abort {
			return s, fault.New(fault.UserAbort, "calibration aborted")
		}
		cond, id := d.model.CalRequirement(next)
		if s.Current != cond {
			s.State, s.Required, s.ID = CalAwaitingSetup, cond, id
			log.WithFields(logrus.Fields{"next": next, "required": cond, "id": id}).Debug("calibration awaiting setup")
			return s, nil
		}
		var rep CalReport
		err := d.eng.Do(func(tx *comm.Tx) error {
			var err error
			rep, err = d.model.Calibrate(tx, next)
			return err
		})
		if err != nil {
			return s, err
		}
		s.Remaining &^= next
		d.needs &^= next
		if next == CalRefreshRate {
			d.smu.Lock()
			d.refreshHz = rep.RefreshHz
			// a refresh synchronized setup must be re-pushed with the new rate
			if d.cfg.RefreshSync {
				d.configured = false
			}
			d.smu.Unlock()
		}
		log.WithFields(logrus.Fields{"done": next, "remaining": s.Remaining}).Info("calibration complete")
	}
}

// resolve expands symbolic requests into concrete calibration types
func (d *Driver) resolve(req CalType) (CalType, error) {
	out := req.Concrete()
	if !d.caps.CanCalibrate(out) {
		return 0, fault.Newf(fault.Unsupported, "%s cannot perform %s calibration", d.caps.Model, out&^d.caps.Cals)
	}
	if req&CalAll != 0 {
		out |= d.caps.Cals
	}
	if req&CalAvailable != 0 {
		mode := d.currentIllumination()
		avail := requiredCals(mode)
		if mode == Emissive {
			avail |= CalRefreshRate
		}
		out |= avail & d.caps.Cals
	}
	if req&CalNeeded != 0 {
		needs, err := d.NeedsCalibration(true)
		if err != nil {
			return 0, err
		}
		out |= needs & d.caps.Cals
	}
	return out, nil
}
