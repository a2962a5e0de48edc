package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	log "github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/colorlab/catalog"
	"github.com/nasa-jpl/colorlab/colorimeter"
	"github.com/nasa-jpl/colorlab/comm"
	"github.com/nasa-jpl/colorlab/generichttp/colorimetry"
	"github.com/nasa-jpl/colorlab/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "colormeter.yml"
	k              = koanf.New(".")
)

// Config is the configuration of the instrument colormeter talks to
type Config struct {
	// Addr is the address of the instrument, see colorsrv help
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Type is family/model, e.g. xrite/dtp94
	Type string `koanf:"Type" yaml:"Type"`

	// Baud is the rate to leave the instrument at, zero to keep it
	Baud int `koanf:"Baud" yaml:"Baud"`

	// Flow is none, xonxoff or hardware; empty uses the family default
	Flow string `koanf:"Flow" yaml:"Flow"`

	// Timeout bounds line rate negotiation, in seconds
	Timeout float64 `koanf:"Timeout" yaml:"Timeout"`

	// Mock talks to a simulated instrument
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// LogLevel is a logrus level name
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     "/dev/ttyUSB0",
		Type:     "jeti/specbos1211",
		Timeout:  10,
		LogLevel: "warn",
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `colormeter talks to a colorimeter or spectroradiometer from the terminal.

Usage:
	colormeter <command> [flags]

Commands:
	ports
	types
	ident
	measure
	calibrate
	option
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `colormeter reads the instrument to use from colormeter.yml; see mkconf.

	ports      list serial ports, with USB ids for port:VID:PID addresses
	types      list the instrument types
	ident      print the identity and capabilities of the instrument
	measure    take a reading
		-mode emissive|ambient|reflective|transmissive|...
		-avg n         average n readings
		-spectral      also read the spectrum
		-trigger user  wait for Enter before measuring, q aborts
		-refresh       synchronize to the display refresh rate
		-json          print the result as JSON
		-o x.fits      write the spectrum to a FITS file
	calibrate  run calibrations; prompts for each setup
		-type all|needed|available|dark|white|...
	option     get or set an option, e.g. option laser on

With -mock, or Mock: true in the config, a simulated instrument is used.`
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
	fmt.Printf("colormeter version %v\n", Version)
}

func ports(out io.Writer) error {
	list, err := comm.ListPorts()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no serial ports found")
	}
	for _, p := range list {
		if p.USB {
			fmt.Fprintf(out, "%-16s port:%s:%s  %s %s\n", p.Name, p.VID, p.PID, p.Product, p.Serial)
		} else {
			fmt.Fprintln(out, p.Name)
		}
	}
	return nil
}

// connect opens and initializes the configured instrument
func connect(ctx context.Context, c Config) (*colorimeter.Driver, error) {
	model, err := catalog.Model(c.Type)
	if err != nil {
		return nil, err
	}
	var link comm.Link
	if c.Mock {
		link, err = catalog.Simulator(c.Type)
	} else {
		link, err = catalog.Link(c.Addr, model.BaudRates()[0])
	}
	if err != nil {
		return nil, err
	}
	d := colorimeter.New(link, model)
	d.MonitorInterval = 0
	flow := d.DefaultFlow()
	if c.Flow != "" {
		if flow, err = comm.ParseFlowControl(c.Flow); err != nil {
			return nil, err
		}
	}
	timeout := util.SecsToDuration(c.Timeout)
	if err = d.InitComms(ctx, c.Baud, flow, timeout); err == nil {
		err = d.InitInstrument(ctx)
	}
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func ident(d *colorimeter.Driver, out io.Writer) error {
	enc := yml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(struct {
		Identity     colorimeter.Identity     `yaml:"identity"`
		Capabilities colorimeter.Capabilities `yaml:"capabilities"`
	}{d.Identity(), d.Capabilities()})
}

func measure(ctx context.Context, d *colorimeter.Driver, args []string, li *lineInteractor, sp *spinner, out io.Writer) error {
	fs := flag.NewFlagSet("measure", flag.ContinueOnError)
	fs.SetOutput(out)
	mode := fs.String("mode", "", "illumination mode")
	avg := fs.Int("avg", 1, "readings to average")
	spectral := fs.Bool("spectral", false, "read the spectrum")
	trigger := fs.String("trigger", "program", "program or user")
	refresh := fs.Bool("refresh", false, "synchronize to the display refresh rate")
	asJSON := fs.Bool("json", false, "print JSON")
	fitsOut := fs.String("o", "", "FITS file for the spectrum")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := colorimeter.Request{Average: *avg, Spectral: *spectral || *fitsOut != "", RefreshSync: *refresh}
	var err error
	if *mode != "" {
		if req.Mode, err = colorimeter.ParseMode(*mode); err != nil {
			return err
		}
	}
	if req.Trigger, err = colorimeter.ParseTrigger(*trigger); err != nil {
		return err
	}
	// program triggered reads leave stdin alone; ctx still carries an interrupt
	var ui colorimeter.Interactor
	if req.Trigger != colorimeter.TriggerProgram {
		ui = li
		sp.start("press Enter to measure, q to abort")
	}
	res, err := d.ReadSample(ctx, req, ui)
	if req.Trigger != colorimeter.TriggerProgram {
		sp.stop(err)
	}
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err = enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s  X=%.4f Y=%.4f Z=%.4f  (%d readings)\n", res.Type, res.XYZ[0], res.XYZ[1], res.XYZ[2], res.Readings)
		if s := res.Spectrum; s != nil {
			fmt.Fprintf(out, "spectrum %g-%g nm, %d samples\n", s.WlShort, s.WlLong, len(s.Samples))
		}
	}
	if *fitsOut != "" {
		f, err := os.Create(*fitsOut)
		if err != nil {
			return err
		}
		defer f.Close()
		return colorimetry.WriteFits(f, res, d.Identity())
	}
	return nil
}

func calibrate(ctx context.Context, d *colorimeter.Driver, args []string, li *lineInteractor, sp *spinner, out io.Writer) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	fs.SetOutput(out)
	typ := fs.String("type", "needed", "calibrations to run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ct, err := colorimeter.ParseCalType(*typ)
	if err != nil {
		return err
	}
	s := colorimeter.NewCalSession(ct)
	for {
		sp.start("calibrating")
		s, err = d.Calibrate(ctx, s, nil)
		sp.stop(err)
		if err != nil {
			return err
		}
		if s.State == colorimeter.CalDone {
			fmt.Fprintln(out, "calibration complete")
			return nil
		}
		prompt := "set up the instrument for " + s.Required.String()
		if s.ID != "" {
			prompt += " (" + s.ID + ")"
		}
		fmt.Fprintln(out, prompt+", then press Enter, q to abort")
		if !li.Wait() {
			return fmt.Errorf("calibration aborted with %s remaining", s.Remaining)
		}
		s.Current = s.Required
	}
}

func option(ctx context.Context, d *colorimeter.Driver, args []string, out io.Writer) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: option <name> [value], names: %s", strings.Join(colorimeter.Options(), ", "))
	}
	val := ""
	if len(args) == 2 {
		val = args[1]
	}
	v, err := d.GetSetOption(ctx, args[0], val)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, v)
	return nil
}

// session runs a command that needs the instrument
func session(cmd string, args []string, c Config, in io.Reader, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	d, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer d.Close()
	li := newLineInteractor(in)
	sp, err := newSpinner(out, out != os.Stdout)
	if err != nil {
		return err
	}
	switch cmd {
	case "ident":
		return ident(d, out)
	case "measure":
		return measure(ctx, d, args, li, sp, out)
	case "calibrate":
		return calibrate(ctx, d, args, li, sp, out)
	case "option":
		return option(ctx, d, args, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	rest := args[2:]
	if len(rest) > 0 && rest[0] == "-mock" {
		c.Mock = true
		rest = rest[1:]
	}
	cmd := strings.ToLower(args[1])
	var err error
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "types":
		fmt.Println(strings.Join(catalog.Types(), "\n"))
	case "ports":
		err = ports(os.Stdout)
	default:
		err = session(cmd, rest, c, os.Stdin, os.Stdout)
	}
	if err != nil {
		log.Fatal(err)
	}
}
