package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// AxisConfig describes one stepper-driven axis.
type AxisConfig struct {
	ID           string  `yaml:"id"`             // "Y", "X" or "Z"
	StepsPerUnit int64   `yaml:"steps_per_unit"` // physical steps per logical step (deltaSteps)
	StepPin      int     `yaml:"step_pin"`
	DirPin       int     `yaml:"dir_pin"`
	EnablePin    int     `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	InvertDir    bool    `yaml:"invert_dir"`
	PulseWidthUs int     `yaml:"pulse_width_us"` // STEP high time (µs)
	MaxSpeed     float64 `yaml:"max_speed"`      // initial limit (steps/s)
	Acceleration float64 `yaml:"acceleration"`   // initial limit (steps/s²)
}

// ProfileConfig is a named motion profile.
type ProfileConfig struct {
	MaxSpeed     float64 `yaml:"max_speed"`    // steps/s
	Acceleration float64 `yaml:"acceleration"` // steps/s²
}

// SerialConfig selects the serial line used for console commands.
// An empty Device means commands are read from stdin.
type SerialConfig struct {
	Device string `yaml:"device"` // e.g., "/dev/ttyACM0"
	Baud   int    `yaml:"baud"`
}

// ScanConfig holds timings for raster scans.
type ScanConfig struct {
	DwellMs int `yaml:"dwell_ms"` // pause at each cell after the axes settle
	PollMs  int `yaml:"poll_ms"`  // settle polling interval
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Axes       []AxisConfig             `yaml:"axes"`
	Profiles   map[string]ProfileConfig `yaml:"profiles"`
	JogProfile string                   `yaml:"jog_profile"` // profile used by up/down/left/right; "default" keeps driver limits
	Serial     SerialConfig             `yaml:"serial"`
	Scan       ScanConfig               `yaml:"scan"`
	WebPort    int                      `yaml:"web_port"` // 0 = web disabled
	Defaults   DefaultsConfig           `yaml:"defaults"`
}

// ValidateConfigPath rejects paths that are empty, not .yaml, or not
// directly inside a "configs" directory after cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q escapes its directory", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Profiles == nil {
		c.Profiles = make(map[string]ProfileConfig)
	}
	if _, ok := c.Profiles["fast"]; !ok {
		c.Profiles["fast"] = ProfileConfig{MaxSpeed: 4000, Acceleration: 20000} // snappy short moves
	}
	if c.JogProfile == "" {
		c.JogProfile = "fast"
	}
	for i := range c.Axes {
		a := &c.Axes[i]
		a.ID = strings.ToUpper(strings.TrimSpace(a.ID))
		if a.MaxSpeed <= 0 {
			a.MaxSpeed = 1000
		}
		if a.Acceleration <= 0 {
			a.Acceleration = 1000
		}
		if a.PulseWidthUs <= 0 {
			a.PulseWidthUs = 2 // A4988 needs >= 1µs
		}
	}
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}
	if c.Scan.DwellMs < 0 {
		c.Scan.DwellMs = 0
	}
	if c.Scan.PollMs <= 0 {
		c.Scan.PollMs = 10
	}
}

// Validate checks the invariants the motion layer relies on.
func (c *Config) Validate() error {
	if len(c.Axes) == 0 {
		return errors.New("at least one axis is required")
	}
	seen := make(map[string]bool)
	for _, a := range c.Axes {
		switch a.ID {
		case "Y", "X", "Z":
		default:
			return fmt.Errorf("axis id must be Y, X or Z, got %q", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("axis %s defined twice", a.ID)
		}
		seen[a.ID] = true
		if a.StepsPerUnit <= 0 {
			return fmt.Errorf("axis %s: steps_per_unit must be > 0, got %d", a.ID, a.StepsPerUnit)
		}
		if a.StepPin <= 0 || a.DirPin <= 0 {
			return fmt.Errorf("axis %s: step_pin and dir_pin are required", a.ID)
		}
		if a.StepPin == a.DirPin {
			return fmt.Errorf("axis %s: step_pin and dir_pin must differ", a.ID)
		}
	}
	for name, p := range c.Profiles {
		if name == "default" {
			return errors.New(`profile name "default" is reserved`)
		}
		if !validLimit(p.MaxSpeed) || !validLimit(p.Acceleration) {
			return fmt.Errorf("profile %s: max_speed and acceleration must be > 0", name)
		}
	}
	if c.JogProfile != "default" {
		if _, ok := c.Profiles[c.JogProfile]; !ok {
			return fmt.Errorf("jog_profile %q is not defined", c.JogProfile)
		}
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		return fmt.Errorf("web_port must be 0-65535, got %d", c.WebPort)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func validLimit(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PulseWidth returns the STEP high time of an axis.
func (a AxisConfig) PulseWidth() time.Duration {
	return time.Duration(a.PulseWidthUs) * time.Microsecond
}

// ScanDwell returns the pause at each scan cell.
func (c *Config) ScanDwell() time.Duration {
	return time.Duration(c.Scan.DwellMs) * time.Millisecond
}

// ScanPoll returns the settle polling interval.
func (c *Config) ScanPoll() time.Duration {
	return time.Duration(c.Scan.PollMs) * time.Millisecond
}
