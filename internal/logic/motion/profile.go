package motion

// Profile is a named pair of motion limits applied to a driver before a move.
// The zero-valued limits of Default leave the driver's own limits untouched.
type Profile struct {
	Name         string
	MaxSpeed     float64 // steps/s
	Acceleration float64 // steps/s²
}

var (
	// Default keeps whatever limits the driver already has.
	Default = Profile{Name: "default"}
	// Fast is tuned for snappy short jogs.
	Fast = Profile{Name: "fast", MaxSpeed: 4000, Acceleration: 20000}
)

// IsDefault reports whether applying p is a no-op.
func (p Profile) IsDefault() bool {
	return p.MaxSpeed == 0 && p.Acceleration == 0
}

// Apply writes the profile limits to d. Applying the same profile twice
// leaves the driver in the same state as applying it once.
func (p Profile) Apply(d AxisDriver) error {
	if p.IsDefault() {
		return nil
	}
	if err := d.SetMaxSpeed(p.MaxSpeed); err != nil {
		return err
	}
	return d.SetAcceleration(p.Acceleration)
}

func (p Profile) String() string {
	if p.Name == "" {
		return "unnamed"
	}
	return p.Name
}
