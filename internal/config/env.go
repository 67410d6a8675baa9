package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that can be changed without editing the
// YAML file. Unset variables leave the loaded values untouched.
type envOverrides struct {
	DebugLevel   int    `env:"XYGO_DEBUG_LEVEL"`
	MockGPIO     bool   `env:"XYGO_MOCK_GPIO"`
	JogProfile   string `env:"XYGO_JOG_PROFILE"`
	SerialDevice string `env:"XYGO_SERIAL_DEVICE"`
	SerialBaud   int    `env:"XYGO_SERIAL_BAUD"`
	WebPort      int    `env:"XYGO_WEB_PORT"`
}

// ApplyEnv overlays XYGO_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	o := envOverrides{
		DebugLevel:   cfg.Defaults.DebugLevel,
		MockGPIO:     cfg.Defaults.MockGPIO,
		JogProfile:   cfg.JogProfile,
		SerialDevice: cfg.Serial.Device,
		SerialBaud:   cfg.Serial.Baud,
		WebPort:      cfg.WebPort,
	}
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.Defaults.DebugLevel = o.DebugLevel
	cfg.Defaults.MockGPIO = o.MockGPIO
	cfg.JogProfile = o.JogProfile
	cfg.Serial.Device = o.SerialDevice
	cfg.Serial.Baud = o.SerialBaud
	cfg.WebPort = o.WebPort
	return nil
}
