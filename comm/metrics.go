package comm

import (
	"strings"
	"time"

	"github.com/nasa-jpl/colorlab/fault"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "colorlab",
		Subsystem: "comm",
		Name:      "commands_total",
		Help:      "command/response exchanges by instrument family, command category and outcome",
	}, []string{"family", "category", "outcome"})

	exchangeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "colorlab",
		Subsystem: "comm",
		Name:      "exchange_seconds",
		Help:      "time from writing a command to the end of its reply",
		Buckets:   prometheus.ExponentialBuckets(0.002, 4, 8),
	}, []string{"family", "category"})

	negotiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "colorlab",
		Subsystem: "comm",
		Name:      "negotiations_total",
		Help:      "line rate negotiations by instrument family and outcome",
	}, []string{"family", "outcome"})
)

// Collectors returns the package's prometheus collectors
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{commands, exchangeSeconds, negotiations}
}

// RegisterMetrics registers the package's collectors with r
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := r.Register(c); err != nil {
			if _, dup := err.(prometheus.AlreadyRegisteredError); dup {
				continue
			}
			return err
		}
	}
	return nil
}

// outcome converts an error into a metric label, e.g. "needs_calibration"
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ReplaceAll(fault.KindOf(err).String(), " ", "_")
}

func observe(family, category string, d time.Duration, err error) {
	commands.WithLabelValues(family, category, outcome(err)).Inc()
	exchangeSeconds.WithLabelValues(family, category).Observe(d.Seconds())
}
