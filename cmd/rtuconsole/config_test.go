package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrolab/rtubus/logger"
	"github.com/ferrolab/rtubus/rtu"
)

const testConfigYAML = `
serial:
  device: /dev/ttyUSB3
  baud_rate: 19200
  parity: E

engine:
  poll_interval: 250ms
  read_timeout: 150ms
  offline_threshold: 5
  status_register: 0x1000

devices:
  - address: 7
    monitors: [0x2000, 0x2001]

log:
  level: debug
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Device)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval.Std())
	assert.Equal(t, uint16(0x1000), cfg.Engine.StatusRegister)
	assert.Equal(t, logger.DebugLevel, cfg.LogLevel())

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, byte(7), cfg.Devices[0].Address)
	assert.Equal(t, []uint16{0x2000, 0x2001}, cfg.Devices[0].Monitors)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestBusOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	busCfg, err := rtu.NewBusConfig(cfg.BusOptions(logger.NewSlog(logger.ErrorLevel, false))...)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, busCfg.PollInterval())
	assert.Equal(t, 150*time.Millisecond, busCfg.ReadTimeout())
	assert.Equal(t, 5, busCfg.OfflineThreshold())
	assert.Equal(t, uint16(0x1000), busCfg.StatusRegister())

	// Unset fields keep the engine defaults.
	assert.Equal(t, rtu.DefaultWriteTimeout, busCfg.WriteTimeout())
	assert.Equal(t, rtu.DefaultTelemetryRegister, busCfg.TelemetryRegister())
}
