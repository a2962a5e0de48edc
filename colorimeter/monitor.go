package colorimeter

import (
	"time"

	"github.com/nasa-jpl/colorlab/comm"
)

// MonitorState is the monitor's last observation.  It is only read or written
// with the connection lock held.
type MonitorState struct {
	Status Status
	Valid  bool
}

// monitor polls the diffuser and laser in the background.  stop asks it to
// finish and ack is closed when it has.
type monitor struct {
	d     *Driver
	state MonitorState
	halt  chan struct{}
	ack   chan struct{}
}

func startMonitor(d *Driver, interval time.Duration) *monitor {
	m := &monitor{d: d, halt: make(chan struct{}), ack: make(chan struct{})}
	go m.run(interval)
	return m
}

func (m *monitor) run(interval time.Duration) {
	defer close(m.ack)
	d := m.d
	log := d.log.WithField("routine", "monitor")
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-m.halt:
			return
		case <-tick.C:
		}
		var (
			changed bool
			st      Status
		)
		err := d.eng.Do(func(tx *comm.Tx) error {
			s, err := d.model.Status(tx)
			if err != nil {
				return err
			}
			changed = m.state.Valid && s != m.state.Status
			m.state = MonitorState{Status: s, Valid: true}
			st = s
			return nil
		})
		if err != nil {
			if d.eng.State() == comm.Disconnected {
				return
			}
			log.WithError(err).Debug("status poll failed")
			continue
		}
		if changed {
			log.WithField("diffuser", st.Diffuser).WithField("laser", st.Laser).Info("status changed")
			if n := d.notifier(); n != nil {
				n(st)
			}
		}
	}
}

// last returns the most recent observation
func (m *monitor) last() (Status, bool) {
	var s MonitorState
	m.d.eng.Do(func(*comm.Tx) error {
		s = m.state
		return nil
	})
	return s.Status, s.Valid
}

// stop requests termination and waits up to grace for the acknowledgment.  If
// the monitor is stuck in an exchange, the link is closed under it, which
// fails the read.  It reports whether the forced path was taken.
func (m *monitor) stop(grace time.Duration) bool {
	close(m.halt)
	select {
	case <-m.ack:
		return false
	case <-time.After(grace):
	}
	m.d.log.WithField("grace", grace).Warn("monitor did not stop in time, closing link")
	m.d.eng.Close()
	select {
	case <-m.ack:
	case <-time.After(grace):
		m.d.log.Error("monitor still running after link close")
	}
	return true
}
