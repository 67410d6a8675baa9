package motion

// AxisDriver is the hardware-facing side of one axis. Implementations own
// step generation and acceleration; the controller only sets limits and
// commands absolute targets.
type AxisDriver interface {
	SetMaxSpeed(stepsPerSecond float64) error
	SetAcceleration(stepsPerSecondSquared float64) error
	// CurrentPosition reports the position in physical steps.
	CurrentPosition() (int64, error)
	// MoveTo commands an absolute target and returns without waiting for arrival.
	MoveTo(target int64) error
}

// Settler is implemented by drivers that can report whether a move is still in progress.
type Settler interface {
	DistanceToGo() int64
}

// Enabler is implemented by drivers with an enable line.
type Enabler interface {
	Enable() error
	Disable() error
}

// Limiter is implemented by drivers that can report their current limits.
// The controller records them at registration so a failed profile change
// can be rolled back even before the first successful one.
type Limiter interface {
	Limits() (maxSpeed, accel float64)
}
