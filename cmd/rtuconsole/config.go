package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferrolab/rtubus/logger"
	"github.com/ferrolab/rtubus/rtu"
	"github.com/ferrolab/rtubus/transport/serialport"
)

// Config is the console's YAML configuration.
type Config struct {
	Serial  SerialConfig   `yaml:"serial"`
	Engine  EngineConfig   `yaml:"engine"`
	Devices []DeviceConfig `yaml:"devices"`
	Log     LogConfig      `yaml:"log"`
}

type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(v)

	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type EngineConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	ScanTimeout      Duration `yaml:"scan_timeout"`
	InterFrameGap    Duration `yaml:"inter_frame_gap"`
	OfflineThreshold int      `yaml:"offline_threshold"`
	CommandQueueSize int      `yaml:"command_queue_size"`

	StatusRegister    uint16 `yaml:"status_register"`
	TelemetryRegister uint16 `yaml:"telemetry_register"`
}

type DeviceConfig struct {
	Address  byte     `yaml:"address"`
	Monitors []uint16 `yaml:"monitors"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
}

// LoadConfig reads and parses the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:   "/dev/ttyUSB0",
			BaudRate: 9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
		Log: LogConfig{Level: "info"},
	}
}

// SerialPortConfig maps the serial section onto the transport config.
func (c *Config) SerialPortConfig() serialport.Config {
	return serialport.Config{
		Device:   c.Serial.Device,
		BaudRate: c.Serial.BaudRate,
		DataBits: c.Serial.DataBits,
		StopBits: c.Serial.StopBits,
		Parity:   c.Serial.Parity,
	}
}

// LogLevel parses the configured log level, defaulting to info.
func (c *Config) LogLevel() logger.Level {
	switch c.Log.Level {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// BusOptions translates the engine section into bus options. Zero fields are
// omitted so the engine defaults apply.
func (c *Config) BusOptions(l logger.Logger) []rtu.BusOption {
	opts := []rtu.BusOption{rtu.WithLogger(l)}

	e := c.Engine
	if e.PollInterval > 0 {
		opts = append(opts, rtu.WithPollInterval(e.PollInterval.Std()))
	}
	if e.ReadTimeout > 0 {
		opts = append(opts, rtu.WithReadTimeout(e.ReadTimeout.Std()))
	}
	if e.WriteTimeout > 0 {
		opts = append(opts, rtu.WithWriteTimeout(e.WriteTimeout.Std()))
	}
	if e.ScanTimeout > 0 {
		opts = append(opts, rtu.WithScanTimeout(e.ScanTimeout.Std()))
	}
	if e.InterFrameGap > 0 {
		opts = append(opts, rtu.WithInterFrameGap(e.InterFrameGap.Std()))
	}
	if e.OfflineThreshold > 0 {
		opts = append(opts, rtu.WithOfflineThreshold(e.OfflineThreshold))
	}
	if e.CommandQueueSize > 0 {
		opts = append(opts, rtu.WithCommandQueueSize(e.CommandQueueSize))
	}
	if e.StatusRegister != 0 {
		opts = append(opts, rtu.WithStatusRegister(e.StatusRegister))
	}
	if e.TelemetryRegister != 0 {
		opts = append(opts, rtu.WithTelemetryRegister(e.TelemetryRegister))
	}

	return opts
}
