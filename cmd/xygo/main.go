package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/XYGo/internal/config"
	"github.com/cjeanneret/XYGo/internal/console"
	"github.com/cjeanneret/XYGo/internal/debug"
	"github.com/cjeanneret/XYGo/internal/hw/gpio"
	"github.com/cjeanneret/XYGo/internal/hw/stepper"
	"github.com/cjeanneret/XYGo/internal/logic/motion"
	"github.com/cjeanneret/XYGo/internal/logic/scan"
	"github.com/cjeanneret/XYGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	useStdin := flag.Bool("stdin", false, "read console commands from stdin when no serial device is configured")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if webPort.port() > 0 {
		cfg.WebPort = webPort.port()
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg, *useStdin); err != nil {
		log.Fatalf("xygo: %v", err)
	}
}

// run wires the hardware, controller and front ends, and blocks until ctx
// is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, useStdin bool) (err error) {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}

	broadcaster := web.NewStatusBroadcaster()
	if cfg.WebPort > 0 {
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	debug.Step(2, "Initializing stepper motors")
	profiles := profilesFromConfig(cfg)
	jog, err := jogProfile(cfg, profiles)
	if err != nil {
		return multierr.Append(err, gpioDriver.Close())
	}
	ctrl, steppers, err := buildController(gpioDriver, cfg, jog, motion.MultiSink{motion.LogSink{}, broadcaster})
	if err != nil {
		return multierr.Append(err, gpioDriver.Close())
	}
	defer func() {
		err = multierr.Combine(err, ctrl.DisableMotors(), gpioDriver.Close())
	}()
	if err := ctrl.EnableMotors(); err != nil {
		return err
	}

	runner := scan.NewRunner(ctrl, cfg.ScanPoll())
	runScan := func(ctx context.Context, p scan.Plan) error {
		p.Dwell = cfg.ScanDwell()
		return runner.Run(ctx, p)
	}

	var srv *web.Server
	if cfg.WebPort > 0 {
		staticFS, err := web.StaticFS()
		if err != nil {
			return err
		}
		handlers := web.NewHandlers(broadcaster, ctrl, profiles, ctrl.JogProfile().Name, runScan, staticFS)
		handlers.ScanBusy = runner.Busy
		srv = web.NewServer(fmt.Sprintf(":%d", cfg.WebPort), handlers)
	}
	stream, err := openConsole(cfg, useStdin)
	if err != nil {
		return err
	}
	if srv == nil && stream == nil {
		return errors.New("no command source: set web_port, serial.device or -stdin")
	}

	g, gctx := errgroup.WithContext(ctx)
	stop, cancel := context.WithCancel(gctx)
	defer cancel()

	// Step runners outlive the front ends so the axes can ramp down on shutdown.
	runCtx, stopRunners := context.WithCancel(context.Background())
	defer stopRunners()
	runners, runCtx := errgroup.WithContext(runCtx)

	debug.Step(3, "Starting step runners")
	for _, s := range steppers {
		s := s
		runners.Go(func() error {
			err := s.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				cancel()
			}
			return err
		})
	}

	if srv != nil {
		debug.Step(4, "Starting web server")
		g.Go(func() error { return srv.Run(stop) })
	}

	// The console stays outside the group: a read blocked on stdin must not
	// hold up shutdown.
	consoleErr := make(chan error, 1)
	if stream != nil {
		debug.Step(5, "Starting console")
		go func() {
			<-stop.Done()
			stream.Close()
		}()
		go func() {
			err := serveConsole(stop, stream, ctrl, runScan, cfg)
			consoleErr <- err
			if err != nil || cfg.WebPort == 0 {
				cancel()
			}
		}()
	}

	<-stop.Done()
	err = ignoreCanceled(g.Wait())
	select {
	case cerr := <-consoleErr:
		err = multierr.Append(err, ignoreCanceled(cerr))
	default:
	}

	if runCtx.Err() == nil {
		err = multierr.Append(err, haltAxes(ctrl, steppers, cfg.ScanPoll()))
	}
	stopRunners()
	return multierr.Append(err, ignoreCanceled(runners.Wait()))
}

// haltTimeout bounds how long shutdown waits for the axes to ramp down.
const haltTimeout = 3 * time.Second

// haltAxes decelerates every stepper to a stop and waits for them to settle.
func haltAxes(s settler, steppers []*stepper.Stepper, poll time.Duration) error {
	debug.Section("Shutdown")
	for _, st := range steppers {
		debug.Live("Stopping %s", st.Name())
		st.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), haltTimeout)
	defer cancel()
	if err := waitSettled(ctx, s, poll); err != nil {
		return fmt.Errorf("halt axes: %w", err)
	}
	return nil
}

// serveConsole runs the line console on stream. Without a web front end
// nothing else takes commands, so it waits for queued moves to finish
// once the stream ends.
func serveConsole(ctx context.Context, stream io.ReadWriter, ctrl *motion.Controller, runScan func(context.Context, scan.Plan) error, cfg *config.Config) error {
	d := console.NewDispatcher(ctrl, runScan, stream)
	if err := d.Serve(ctx, stream); err != nil {
		return err
	}
	if cfg.WebPort > 0 {
		return nil
	}
	return waitSettled(ctx, ctrl, cfg.ScanPoll())
}

// profilesFromConfig converts configured profiles to motion profiles.
func profilesFromConfig(cfg *config.Config) map[string]motion.Profile {
	out := make(map[string]motion.Profile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		out[name] = motion.Profile{Name: name, MaxSpeed: p.MaxSpeed, Acceleration: p.Acceleration}
	}
	return out
}

// jogProfile resolves the profile used by named commands.
func jogProfile(cfg *config.Config, profiles map[string]motion.Profile) (motion.Profile, error) {
	if cfg.JogProfile == "" || cfg.JogProfile == motion.Default.Name {
		return motion.Default, nil
	}
	p, ok := profiles[cfg.JogProfile]
	if !ok {
		return motion.Profile{}, fmt.Errorf("jog profile %q is not defined", cfg.JogProfile)
	}
	return p, nil
}

// buildController creates one stepper per configured axis and registers it
// with a new motion controller.
func buildController(g gpio.Driver, cfg *config.Config, jog motion.Profile, sink motion.EventSink) (*motion.Controller, []*stepper.Stepper, error) {
	var (
		axes     []motion.Axis
		steppers []*stepper.Stepper
	)
	for _, ac := range cfg.Axes {
		id, err := motion.ParseAxis(ac.ID)
		if err != nil {
			return nil, nil, err
		}
		s, err := stepper.New(g, stepper.Config{
			Name:         id.String(),
			StepPin:      ac.StepPin,
			DirPin:       ac.DirPin,
			EnablePin:    ac.EnablePin,
			InvertDir:    ac.InvertDir,
			PulseWidth:   ac.PulseWidth(),
			MaxSpeed:     ac.MaxSpeed,
			Acceleration: ac.Acceleration,
		})
		if err != nil {
			return nil, nil, err
		}
		debug.Axis(id.String(), ac.StepsPerUnit, ac.MaxSpeed, ac.Acceleration)
		debug.PrintStruct(id.String()+" axis config", ac)
		axes = append(axes, motion.Axis{ID: id, StepsPerUnit: ac.StepsPerUnit, Driver: s})
		steppers = append(steppers, s)
	}
	ctrl, err := motion.NewController(axes, motion.WithJogProfile(jog), motion.WithEventSink(sink))
	if err != nil {
		return nil, nil, err
	}
	return ctrl, steppers, nil
}

// openConsole returns the serial port when one is configured, stdin when
// asked for, or nil.
func openConsole(cfg *config.Config, useStdin bool) (io.ReadWriteCloser, error) {
	if cfg.Serial.Device != "" {
		debug.Value("Serial device", cfg.Serial.Device)
		return console.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	}
	if useStdin {
		return stdio{}, nil
	}
	return nil, nil
}

// stdio joins stdin and stdout into one console stream.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }

// settler is the part of motion.Controller waitSettled needs.
type settler interface {
	Axes() []motion.AxisInfo
	Settled(id motion.AxisID) (bool, error)
}

// waitSettled blocks until every axis has reached its target.
func waitSettled(ctx context.Context, s settler, poll time.Duration) error {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		done := true
		for _, a := range s.Axes() {
			ok, err := s.Settled(a.ID)
			if err != nil {
				return err
			}
			done = done && ok
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
