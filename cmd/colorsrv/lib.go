package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nasa-jpl/colorlab/catalog"
	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/generichttp"
	"github.com/nasa-jpl/colorlab/generichttp/colorimetry"
	"github.com/nasa-jpl/colorlab/server/middleware/locker"
	"github.com/nasa-jpl/colorlab/util"
)

// ObjSetup describes one instrument to serve
type ObjSetup struct {
	// Addr is the address of the instrument, e.g. /dev/ttyUSB0,
	// port:0765:d094, usb:0765:d094 or 192.168.100.123:2006
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the path the routes of this instrument are served under,
	// e.g. "lab/specbos" produces /lab/specbos/measure and so on
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Type is family/model, e.g. jeti/specbos1211
	Type string `koanf:"Type" yaml:"Type"`

	// Baud is the rate to leave the instrument at; zero keeps the rate it is
	// found at
	Baud int `koanf:"Baud" yaml:"Baud"`

	// Flow is none, xonxoff or hardware; empty uses the family default
	Flow string `koanf:"Flow" yaml:"Flow"`

	// Timeout bounds line rate negotiation, in seconds
	Timeout float64 `koanf:"Timeout" yaml:"Timeout"`

	// Monitor is the status poll interval in seconds, zero for the default
	// and negative to disable
	Monitor float64 `koanf:"Monitor" yaml:"Monitor"`

	// Policies overrides the firmware workarounds of the model
	Policies *colorimeter.Policies `koanf:"Policies" yaml:"Policies,omitempty"`
}

// Config is the server configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces every instrument with a simulator
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// LogLevel is a logrus level name
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `koanf:"Nodes" yaml:"Nodes"`
}

// node is one served instrument
type node struct {
	setup ObjSetup
	drv   *colorimeter.Driver
}

// newNode builds the driver for setup and tries to bring it up.  An instrument
// that is off or unplugged is still served so that POST /init can retry.
func newNode(setup ObjSetup, mock bool) (*node, error) {
	model, err := catalog.Model(setup.Type)
	if err != nil {
		return nil, err
	}
	var link comm.Link
	if mock {
		link, err = catalog.Simulator(setup.Type)
	} else {
		link, err = catalog.Link(setup.Addr, model.BaudRates()[0])
	}
	if err != nil {
		return nil, err
	}
	d := colorimeter.New(link, model)
	logger := log.WithFields(log.Fields{"endpoint": setup.Endpoint, "addr": setup.Addr})
	d.SetLogger(logger)
	switch {
	case setup.Monitor < 0:
		d.MonitorInterval = 0
	case setup.Monitor > 0:
		d.MonitorInterval = util.SecsToDuration(setup.Monitor)
	}
	if setup.Policies != nil {
		d.SetPolicies(*setup.Policies)
	}
	d.SetNotifier(func(s colorimeter.Status) {
		logger.WithFields(log.Fields{"diffuser": s.Diffuser, "laser": s.Laser}).Info("instrument status changed")
	})

	flow := d.DefaultFlow()
	if setup.Flow != "" {
		if flow, err = comm.ParseFlowControl(setup.Flow); err != nil {
			return nil, err
		}
	}
	timeout := util.SecsToDuration(setup.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx := context.Background()
	if err = d.InitComms(ctx, setup.Baud, flow, timeout); err == nil {
		err = d.InitInstrument(ctx)
	}
	if err != nil {
		logger.WithError(err).Warn("instrument not initialized, POST init to retry")
	} else {
		logger.WithField("identity", d.Identity().String()).Info("instrument ready")
	}
	return &node{setup: setup, drv: d}, nil
}

// BuildMux constructs the root router.  Each node is mounted at its
// endpoint with its own lock, /endpoints lists every route, and /metrics
// serves the command statistics.
func BuildMux(c Config) (chi.Router, []*node, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	comm.RegisterMetrics(prometheus.DefaultRegisterer)
	supergraph := map[string][]string{}
	var nodes []*node
	for _, setup := range c.Nodes {
		n, err := newNode(setup, c.Mock)
		if err != nil {
			for _, n := range nodes {
				n.drv.Close()
			}
			return nil, nil, err
		}
		nodes = append(nodes, n)
		var httper generichttp.HTTPer = colorimetry.NewHTTPColorimeter(n.drv)

		// prepare the URL, "lab/specbos" => "/lab/specbos"
		hndlS := generichttp.SubMuxSanitize(setup.Endpoint)

		lock := locker.New()
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.WithError(err).Error("encoding endpoint list")
		}
	})
	return root, nodes, nil
}
