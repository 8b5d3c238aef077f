// Package config holds the runtime configuration of the twipoll tool.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is injected at build time.
var Version = "dev"

var ErrInvalid = errors.New("invalid configuration")

const (
	AdapterMCP2221 = "mcp2221"
	AdapterGeneric = "generic"
	AdapterNanoPi  = "nanopi"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Poll      PollConfig      `yaml:"poll"`
	Transport TransportConfig `yaml:"transport"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type DeviceConfig struct {
	Address uint8 `yaml:"address"`
	Offset  uint8 `yaml:"offset"`
}

type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// Count stops the poller after that many transactions; 0 runs forever.
	Count int `yaml:"count"`
}

type TransportConfig struct {
	Adapter string `yaml:"adapter"`
	// Device selects the USB adapter when several are plugged in.
	Device  int    `yaml:"device"`
	SpeedHz int    `yaml:"speed_hz"`
	Bus     string `yaml:"bus"`
	// Frame is the number of bytes fetched by a single read transfer.
	Frame   int           `yaml:"frame"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Listen string `yaml:"listen"`
	Serial string `yaml:"serial"`
	Baud   int    `yaml:"baud"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Device: DeviceConfig{Address: 0x60, Offset: 0x02},
		Poll: PollConfig{
			Interval:     time.Millisecond,
			ResetTimeout: 10 * time.Millisecond,
		},
		Transport: TransportConfig{
			Adapter: AdapterMCP2221,
			SpeedHz: 100000,
			Frame:   8,
			Timeout: time.Second,
		},
		Telemetry: TelemetryConfig{Baud: 115200},
	}
}

// Load reads a yaml file on top of the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration without modifying it.
func Validate(cfg Config) error {
	if cfg.Device.Address > 0x7F {
		return fmt.Errorf("%w: device address %#02x is not a 7-bit address", ErrInvalid, cfg.Device.Address)
	}
	if cfg.Device.Address < 0x08 || cfg.Device.Address > 0x77 {
		return fmt.Errorf("%w: device address %#02x is reserved", ErrInvalid, cfg.Device.Address)
	}
	if cfg.Poll.Interval < 0 {
		return fmt.Errorf("%w: negative poll interval", ErrInvalid)
	}
	if cfg.Poll.ResetTimeout < 0 {
		return fmt.Errorf("%w: negative reset timeout", ErrInvalid)
	}
	if cfg.Poll.Count < 0 {
		return fmt.Errorf("%w: negative transaction count", ErrInvalid)
	}
	switch cfg.Transport.Adapter {
	case AdapterMCP2221, AdapterGeneric, AdapterNanoPi:
	default:
		return fmt.Errorf("%w: unknown adapter %q", ErrInvalid, cfg.Transport.Adapter)
	}
	if cfg.Transport.Adapter == AdapterMCP2221 && (cfg.Transport.SpeedHz < 47000 || cfg.Transport.SpeedHz > 400000) {
		// the adapter divider only covers this range
		return fmt.Errorf("%w: speed %d Hz out of range for mcp2221", ErrInvalid, cfg.Transport.SpeedHz)
	}
	if cfg.Transport.Frame < 8 {
		return fmt.Errorf("%w: frame of %d bytes cannot carry the payload", ErrInvalid, cfg.Transport.Frame)
	}
	if cfg.Telemetry.Serial != "" && cfg.Telemetry.Baud <= 0 {
		return fmt.Errorf("%w: serial telemetry needs a baud rate", ErrInvalid)
	}
	return nil
}
