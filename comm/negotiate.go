package comm

import (
	"context"
	"time"

	"github.com/nasa-jpl/colorlab/fault"
	"github.com/nasa-jpl/colorlab/util"
	"github.com/sirupsen/logrus"
)

// NegotiateRetries is how many times a Misread reply to the probe is re-sent
// at one candidate rate before moving on
const NegotiateRetries = 2

// Negotiate searches rates for the one the instrument is listening at.  The
// link is opened if needed.  A parsed reply to probe, even one carrying a
// device error, proves the rate; timeouts and garbage move on to the next
// candidate.  Candidates are cycled until timeout elapses, unless a whole pass
// failed to configure the link at any rate.
//
// On success the connection is Connected and the rate is returned.
func (e *Engine) Negotiate(ctx context.Context, rates []int, flow FlowControl, timeout time.Duration, probe Command) (int, error) {
	if len(rates) == 0 {
		return 0, fault.New(fault.Unsupported, "no candidate line rates")
	}
	if e.conn.State() == Disconnected {
		if err := e.Open(); err != nil {
			return 0, err
		}
	}
	e.conn.setState(Negotiating)
	deadline := time.Now().Add(timeout)
	fam := e.dialect.Family()
	attempts := 0
	for {
		var cfgErr error
		configured := false
		for _, baud := range rates {
			if err := ctx.Err(); err != nil {
				e.conn.setState(Disconnected)
				negotiations.WithLabelValues(fam, "aborted").Inc()
				return 0, fault.Wrap(fault.UserAbort, "baud negotiation", err)
			}
			remain := time.Until(deadline)
			if remain <= 0 {
				e.conn.setState(Disconnected)
				negotiations.WithLabelValues(fam, "failed").Inc()
				return 0, fault.Newf(fault.CommsFailure,
					"no reply at any of %s baud within %v (%d attempts)", util.IntSliceToCSV(rates), timeout, attempts)
			}
			attempts++
			p := probe
			if p.Timeout <= 0 || p.Timeout > remain {
				p.Timeout = remain
			}
			p.Retries = 0
			ok, cerr, err := e.tryRate(baud, flow, p)
			if cerr != nil {
				cfgErr = cerr
			} else {
				configured = true
			}
			if err != nil {
				e.conn.setState(Disconnected)
				negotiations.WithLabelValues(fam, "failed").Inc()
				return 0, err
			}
			if ok {
				e.conn.setState(Connected)
				negotiations.WithLabelValues(fam, "ok").Inc()
				e.log.WithFields(logrus.Fields{"baud": baud, "flow": flow, "attempts": attempts}).
					Info("line rate negotiated")
				return baud, nil
			}
		}
		if !configured {
			e.conn.setState(Disconnected)
			negotiations.WithLabelValues(fam, "failed").Inc()
			return 0, fault.Wrap(fault.CommsFailure, "link rejected every candidate rate", cfgErr)
		}
	}
}

// tryRate configures one candidate and probes it.  ok is true when the device
// replied in its framing.  cfgErr is set when the link refused the rate and
// err only for failures no other rate can fix.
func (e *Engine) tryRate(baud int, flow FlowControl, probe Command) (ok bool, cfgErr, err error) {
	err = e.Do(func(tx *Tx) error {
		tx.negotiating = true
		if err := tx.Configure(baud, flow); err != nil {
			if fault.IsKind(err, fault.Unsupported) {
				return err
			}
			e.log.WithError(err).WithField("baud", baud).Debug("configure failed")
			cfgErr = err
			return nil
		}
		for try := 0; try <= NegotiateRetries; try++ {
			_, perr := tx.Send(probe)
			if perr == nil {
				ok = true
				return nil
			}
			if fault.CodeOf(perr) == fault.NoCode {
				// timeout or garbage, wrong rate
				return nil
			}
			ok = true
			if !fault.IsKind(perr, fault.Misread) {
				return nil
			}
		}
		return nil
	})
	return ok, cfgErr, err
}
