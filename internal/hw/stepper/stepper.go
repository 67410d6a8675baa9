package stepper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/XYGo/internal/debug"
	"github.com/cjeanneret/XYGo/internal/hw/gpio"
)

// ErrFault is returned once the step runner has failed to drive the GPIO.
// The stepper rejects further commands until it is recreated.
var ErrFault = errors.New("stepper fault")

// Config holds the hardware configuration for a step/dir stepper driver (A4988 style).
type Config struct {
	Name         string
	StepPin      int
	DirPin       int
	EnablePin    int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	InvertDir    bool          // swap the DIR level for positive moves
	PulseWidth   time.Duration // STEP high time. 0 = no explicit hold.
	MaxSpeed     float64       // initial limit, steps/s. Default 1000.
	Acceleration float64       // initial limit, steps/s². Default 1000.
}

// Stepper drives one motor toward an absolute target with a trapezoidal
// speed ramp. Commands (MoveTo, SetMaxSpeed, ...) return immediately; the
// step pulses are produced by Run.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	clock clock.Clock
	wake  chan struct{}

	mu       sync.Mutex
	position int64
	target   int64
	speed    float64 // signed, steps/s
	maxSpeed float64
	accel    float64
	dir      int // last direction written to DIR: -1, 0 (none yet), +1
	fault    error
}

// Option configures a Stepper.
type Option func(*Stepper)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Stepper) { s.clock = c }
}

// New creates a stepper and configures its pins. The driver is left enabled.
func New(g gpio.Driver, cfg Config, opts ...Option) (*Stepper, error) {
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 1000
	}
	if cfg.Acceleration <= 0 {
		cfg.Acceleration = 1000
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("step%d", cfg.StepPin)
	}

	s := &Stepper{
		gpio:     g,
		cfg:      cfg,
		clock:    clock.New(),
		wake:     make(chan struct{}, 1),
		maxSpeed: cfg.MaxSpeed,
		accel:    cfg.Acceleration,
	}
	for _, o := range opts {
		o(s)
	}

	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("stepper %s: setup step pin: %w", cfg.Name, err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("stepper %s: setup dir pin: %w", cfg.Name, err)
	}
	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("stepper %s: setup enable pin: %w", cfg.Name, err)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, fmt.Errorf("stepper %s: enable: %w", cfg.Name, err)
		}
	}
	return s, nil
}

// Name returns the configured stepper name.
func (s *Stepper) Name() string {
	return s.cfg.Name
}

// SetMaxSpeed sets the speed limit in steps/s. A running move adapts on its next step.
func (s *Stepper) SetMaxSpeed(stepsPerSecond float64) error {
	if stepsPerSecond <= 0 || math.IsNaN(stepsPerSecond) || math.IsInf(stepsPerSecond, 0) {
		return fmt.Errorf("stepper %s: max speed must be > 0, got %g", s.cfg.Name, stepsPerSecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.maxSpeed = stepsPerSecond
	return nil
}

// SetAcceleration sets the ramp in steps/s².
func (s *Stepper) SetAcceleration(stepsPerSecondSquared float64) error {
	if stepsPerSecondSquared <= 0 || math.IsNaN(stepsPerSecondSquared) || math.IsInf(stepsPerSecondSquared, 0) {
		return fmt.Errorf("stepper %s: acceleration must be > 0, got %g", s.cfg.Name, stepsPerSecondSquared)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.accel = stepsPerSecondSquared
	return nil
}

// Limits returns the current max speed and acceleration.
func (s *Stepper) Limits() (maxSpeed, accel float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSpeed, s.accel
}

// CurrentPosition returns the position in steps, counted from pulses issued.
func (s *Stepper) CurrentPosition() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.position, s.fault
	}
	return s.position, nil
}

// MoveTo sets a new absolute target and returns immediately. A move in
// progress keeps its speed and heads for the new target.
func (s *Stepper) MoveTo(target int64) error {
	s.mu.Lock()
	if s.fault != nil {
		s.mu.Unlock()
		return s.fault
	}
	s.target = target
	s.mu.Unlock()

	debug.Verbose("Stepper %s: target %d", s.cfg.Name, target)
	s.poke()
	return nil
}

// DistanceToGo is the signed number of steps left to the target.
func (s *Stepper) DistanceToGo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target - s.position
}

// Speed returns the current signed speed in steps/s.
func (s *Stepper) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Stop retargets to the nearest point the motor can decelerate to.
func (s *Stepper) Stop() {
	s.mu.Lock()
	if s.speed != 0 {
		stopping := int64(math.Ceil(s.speed * s.speed / (2 * s.accel)))
		if s.speed < 0 {
			stopping = -stopping
		}
		s.target = s.position + stopping
	} else {
		s.target = s.position
	}
	s.mu.Unlock()
	s.poke()
}

func (s *Stepper) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run produces step pulses until ctx is done or the GPIO fails.
// Only one Run may be active per Stepper.
func (s *Stepper) Run(ctx context.Context) error {
	debug.Verbose("Stepper %s: runner started", s.cfg.Name)
	for {
		wait, err := s.tick()
		if err != nil {
			return err
		}
		if wait < 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

// tick issues at most one step and returns the delay before the next one,
// or a negative duration when the motor is at rest on its target.
func (s *Stepper) tick() (time.Duration, error) {
	s.mu.Lock()
	if s.fault != nil {
		s.mu.Unlock()
		return 0, s.fault
	}
	distance := s.target - s.position
	v := nextSpeed(s.speed, distance, s.maxSpeed, s.accel)
	if v == 0 && s.speed != 0 && distance != 0 {
		// Came to a halt past the target; head back from rest.
		v = nextSpeed(0, distance, s.maxSpeed, s.accel)
	}
	if v == 0 {
		s.speed = 0
		s.mu.Unlock()
		return -1, nil
	}
	dir := 1
	if v < 0 {
		dir = -1
	}
	needDir := dir != s.dir
	s.mu.Unlock()

	// GPIO writes happen outside the lock so commands are never blocked on I/O.
	if err := s.pulse(dir, needDir); err != nil {
		s.mu.Lock()
		s.fault = fmt.Errorf("%w: %s: %v", ErrFault, s.cfg.Name, err)
		s.speed = 0
		fault := s.fault
		s.mu.Unlock()
		debug.Error(fault)
		return 0, fault
	}

	s.mu.Lock()
	s.dir = dir
	s.position += int64(dir)
	s.speed = v
	pos := s.position
	s.mu.Unlock()

	debug.Trace("Stepper %s: pos=%d speed=%.1f", s.cfg.Name, pos, v)
	return time.Duration(float64(time.Second) / math.Abs(v)), nil
}

func (s *Stepper) pulse(dir int, setDir bool) error {
	if setDir {
		level := gpio.Level(dir > 0)
		if s.cfg.InvertDir {
			level = !level
		}
		if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
			return err
		}
	}
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	if s.cfg.PulseWidth > 0 {
		s.clock.Sleep(s.cfg.PulseWidth)
	}
	return s.gpio.WritePin(s.cfg.StepPin, gpio.Low)
}

// rampEpsilon absorbs rounding in v² so a ramp that lands exactly on the
// stopping distance starts braking on that step.
const rampEpsilon = 1e-6

// nextSpeed returns the signed speed for the next step, or 0 when the motor
// should rest. v is the current signed speed and distance the signed number
// of steps to the target. One step covers one unit of distance, so the ramp
// follows v'² = v² ± 2a.
func nextSpeed(v float64, distance int64, maxSpeed, accel float64) float64 {
	minSpeed := math.Sqrt(2 * accel)
	heading := math.Copysign(1, v)
	speed := math.Abs(v)
	if speed == 0 {
		if distance == 0 {
			return 0
		}
		// Start from rest toward the target.
		return math.Min(minSpeed, maxSpeed) * float64(sign(distance))
	}

	ahead := float64(distance) * heading // distance along the current heading
	stopping := speed * speed / (2 * accel)

	var next float64
	switch {
	case ahead <= 0 || stopping+rampEpsilon >= ahead:
		next = math.Sqrt(math.Max(speed*speed-2*accel, 0))
		if next < minSpeed/2 {
			next = 0
		}
		if next == 0 && ahead > 0 {
			// Creep the last steps at the slowest speed.
			next = math.Min(minSpeed, maxSpeed)
		}
	case speed < maxSpeed:
		next = math.Min(math.Sqrt(speed*speed+2*accel), maxSpeed)
	case speed > maxSpeed:
		next = math.Max(math.Sqrt(speed*speed-2*accel), maxSpeed)
	default:
		next = speed
	}
	return next * heading
}

func sign(n int64) int64 {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
