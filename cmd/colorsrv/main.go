package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	log "github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/colorlab/catalog"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "colorsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     ":8000",
		LogLevel: "info",
		Nodes: []ObjSetup{{
			Addr:     "/dev/ttyUSB0",
			Endpoint: "specbos",
			Type:     "jeti/specbos1211",
		}}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `colorsrv communicates with colorimeters and spectroradiometers and exposes
an HTTP interface to them.

Usage:
	colorsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `colorsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Each node has an Addr, an Endpoint, and a Type.  Addr is a serial port
(/dev/ttyUSB0, COM3), port:VID:PID to find a USB-serial adapter, usb:VID:PID
for instruments with a native USB interface, or host:port for a terminal
server.  With Mock: true every node is a simulated instrument.

Each node serves, under its endpoint:
	POST init, measure, trigger, abort, calibrate, raw, lock
	GET  identity, capabilities, status, last, spectrum.fits, needs-cal, lock
	GET/POST mode, option/{name}, policies, laser, display-type
and the server serves /endpoints and /metrics at its root.

Types, case insensitive:
	` + strings.Join(catalog.Types(), "\n\t")
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("colorsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	mux, nodes, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	log.Info("now listening for requests at ", c.Addr)
	err = srv.ListenAndServe()
	for _, n := range nodes {
		n.drv.Close()
	}
	if err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
