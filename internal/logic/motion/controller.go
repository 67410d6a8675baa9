package motion

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/XYGo/internal/debug"
)

// Controller turns directional intents into absolute driver targets.
// It sits between command dispatch (console, web, scans) and the axis drivers.
//
// Targets are always computed from the position the driver reports at call
// time, never from a cached value. A new command on a moving axis simply
// replaces the driver's target.
type Controller struct {
	axes  map[AxisID]*axisState
	order []AxisID
	jog   Profile
	sink  EventSink
}

// axisState is owned by the controller for the lifetime of the program.
type axisState struct {
	mu           sync.Mutex // serializes moves on this axis only
	id           AxisID
	stepsPerUnit int64
	driver       AxisDriver

	target    int64
	hasTarget bool
	applied   Profile
	hasProf   bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithJogProfile sets the profile used by the named commands (MoveYDown, ...).
func WithJogProfile(p Profile) Option {
	return func(c *Controller) { c.jog = p }
}

// WithEventSink sets where move events are reported.
func WithEventSink(s EventSink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// NewController registers axes. Each axis needs a driver, a unique ID and a
// positive StepsPerUnit. The jog profile defaults to Default.
func NewController(axes []Axis, opts ...Option) (*Controller, error) {
	c := &Controller{
		axes: make(map[AxisID]*axisState, len(axes)),
		jog:  Default,
		sink: NopSink{},
	}
	for _, a := range axes {
		if a.Driver == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "axis %s: nil driver", a.ID)
		}
		if a.StepsPerUnit <= 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "axis %s: steps per unit must be > 0, got %d", a.ID, a.StepsPerUnit)
		}
		if _, dup := c.axes[a.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidArgument, "axis %s registered twice", a.ID)
		}
		st := &axisState{id: a.ID, stepsPerUnit: a.StepsPerUnit, driver: a.Driver}
		if l, ok := a.Driver.(Limiter); ok {
			speed, accel := l.Limits()
			st.applied = Profile{Name: "initial", MaxSpeed: speed, Acceleration: accel}
			st.hasProf = !st.applied.IsDefault()
		}
		c.axes[a.ID] = st
		c.order = append(c.order, a.ID)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Move shifts an axis target by steps*StepsPerUnit in the given direction,
// relative to the driver's current position, after applying profile p.
//
// Errors: ErrInvalidArgument (negative steps, bad direction, a target that
// would overflow int64) and ErrUnknownAxis are returned before any driver
// write. ErrDriverFault leaves the cached target unchanged and the driver
// limits as they were.
func (c *Controller) Move(id AxisID, dir Direction, steps int, p Profile) error {
	if steps < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative step count %d", steps)
	}
	sign := dir.Sign()
	if sign == 0 {
		return errors.Wrapf(ErrInvalidArgument, "direction %d", int(dir))
	}
	a, ok := c.axes[id]
	if !ok {
		return errors.Wrapf(ErrUnknownAxis, "axis %s", id)
	}
	if int64(steps) > math.MaxInt64/a.stepsPerUnit {
		return errors.Wrapf(ErrInvalidArgument, "step count %d overflows axis %s", steps, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.driver.CurrentPosition()
	if err != nil {
		return newDriverFault(id, "current position", err)
	}
	delta := int64(steps) * a.stepsPerUnit
	if (sign > 0 && current > math.MaxInt64-delta) || (sign < 0 && current < math.MinInt64+delta) {
		return errors.Wrapf(ErrInvalidArgument, "axis %s: target from %d by %d steps overflows", id, current, sign*delta)
	}
	target := current + sign*delta

	if err := p.Apply(a.driver); err != nil {
		a.restoreProfile()
		return newDriverFault(id, "apply profile "+p.String(), err)
	}
	if err := a.driver.MoveTo(target); err != nil {
		if !p.IsDefault() {
			a.restoreProfile()
		}
		return newDriverFault(id, "move to", err)
	}

	if !p.IsDefault() {
		a.applied, a.hasProf = p, true
	}
	a.target, a.hasTarget = target, true

	c.sink.Emit(Event{
		Axis:      id,
		Direction: dir,
		Command:   commandName(id, dir),
		Steps:     steps,
		Profile:   p.String(),
		Target:    target,
	})
	return nil
}

// restoreProfile puts back the last profile that succeeded on this axis,
// or the limits the driver reported at registration. Called with a.mu held.
func (a *axisState) restoreProfile() {
	if !a.hasProf {
		return
	}
	if err := a.applied.Apply(a.driver); err != nil {
		debug.Info("axis %s: restoring profile %s failed: %v", a.id, a.applied, err)
	}
}

// Command runs a named direction ("down", "up", "left", "right", "z-down",
// "z-up") with the jog profile.
func (c *Controller) Command(name string, steps int) error {
	cmd, ok := LookupCommand(name)
	if !ok {
		return errors.Wrapf(ErrInvalidArgument, "unknown command %q", name)
	}
	return c.Move(cmd.Axis, cmd.Direction, steps, c.jog)
}

// MoveYDown moves Y toward increasing positions with the jog profile.
func (c *Controller) MoveYDown(steps int) error { return c.Move(AxisY, Increase, steps, c.jog) }

// MoveYUp moves Y toward decreasing positions with the jog profile.
func (c *Controller) MoveYUp(steps int) error { return c.Move(AxisY, Decrease, steps, c.jog) }

// MoveXLeft moves X toward increasing positions with the jog profile.
func (c *Controller) MoveXLeft(steps int) error { return c.Move(AxisX, Increase, steps, c.jog) }

// MoveXRight moves X toward decreasing positions with the jog profile.
func (c *Controller) MoveXRight(steps int) error { return c.Move(AxisX, Decrease, steps, c.jog) }

// MoveZDown moves Z toward increasing positions with the jog profile.
func (c *Controller) MoveZDown(steps int) error { return c.Move(AxisZ, Increase, steps, c.jog) }

// MoveZUp moves Z toward decreasing positions with the jog profile.
func (c *Controller) MoveZUp(steps int) error { return c.Move(AxisZ, Decrease, steps, c.jog) }

// JogProfile returns the profile used by named commands.
func (c *Controller) JogProfile() Profile {
	return c.jog
}

// Axes lists registered axes in registration order.
func (c *Controller) Axes() []AxisInfo {
	out := make([]AxisInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, AxisInfo{ID: id, StepsPerUnit: c.axes[id].stepsPerUnit})
	}
	return out
}

// Position returns the driver-reported position of an axis.
func (c *Controller) Position(id AxisID) (int64, error) {
	a, ok := c.axes[id]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownAxis, "axis %s", id)
	}
	pos, err := a.driver.CurrentPosition()
	if err != nil {
		return 0, newDriverFault(id, "current position", err)
	}
	return pos, nil
}

// Target returns the last target successfully commanded through this
// controller. ok is false until the first successful move.
func (c *Controller) Target(id AxisID) (target int64, ok bool, err error) {
	a, found := c.axes[id]
	if !found {
		return 0, false, errors.Wrapf(ErrUnknownAxis, "axis %s", id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target, a.hasTarget, nil
}

// Settled reports whether the axis has reached its target. Drivers that
// cannot tell are always considered settled.
func (c *Controller) Settled(id AxisID) (bool, error) {
	a, ok := c.axes[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownAxis, "axis %s", id)
	}
	s, ok := a.driver.(Settler)
	if !ok {
		return true, nil
	}
	return s.DistanceToGo() == 0, nil
}

// EnableMotors energizes every axis driver that has an enable line.
func (c *Controller) EnableMotors() error {
	var err error
	for _, id := range c.order {
		if e, ok := c.axes[id].driver.(Enabler); ok {
			if eErr := e.Enable(); eErr != nil {
				err = multierr.Append(err, newDriverFault(id, "enable", eErr))
			}
		}
	}
	return err
}

// DisableMotors releases holding torque on every axis driver that supports it.
func (c *Controller) DisableMotors() error {
	var err error
	for _, id := range c.order {
		if e, ok := c.axes[id].driver.(Enabler); ok {
			if dErr := e.Disable(); dErr != nil {
				err = multierr.Append(err, newDriverFault(id, "disable", dErr))
			}
		}
	}
	return err
}
