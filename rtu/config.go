package rtu

import (
	"errors"
	"fmt"
	"time"

	"github.com/ferrolab/rtubus/logger"
)

// Default engine settings.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultReadTimeout   = 300 * time.Millisecond
	DefaultWriteTimeout  = 500 * time.Millisecond
	DefaultScanTimeout   = 100 * time.Millisecond // most probed addresses never answer
	DefaultInterFrameGap = 20 * time.Millisecond
	DefaultOfflineThreshold = 3
	DefaultCommandQueueSize = 16

	DefaultStatusRegister    uint16 = 0xD000
	DefaultTelemetryRegister uint16 = 0xD001

	DefaultFwChunkSize    = 64
	DefaultFwChunkDelay   = 20 * time.Millisecond
	DefaultFwRespTimeout  = 2 * time.Second
	DefaultFwEraseSettle  = 3 * time.Second
)

// Valid setting ranges.
const (
	MinPollInterval = 10 * time.Millisecond
	MaxPollInterval = 60 * time.Second

	MinExchangeTimeout = 20 * time.Millisecond
	MaxExchangeTimeout = 10 * time.Second

	MaxInterFrameGap = time.Second

	MinOfflineThreshold = 1
	MaxOfflineThreshold = 100

	MaxFwChunkSize = 255
)

// BusConfig holds all configuration for a Bus.
type BusConfig struct {
	pollInterval  time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	scanTimeout   time.Duration
	interFrameGap time.Duration

	offlineThreshold int
	cmdQueueSize     int

	statusRegister    uint16
	telemetryRegister uint16

	fwChunkSize   int
	fwChunkDelay  time.Duration
	fwRespTimeout time.Duration
	fwEraseSettle time.Duration

	logger logger.Logger
}

// NewBusConfig creates a bus configuration with defaults, then applies the
// given options in order.
func NewBusConfig(opts ...BusOption) (*BusConfig, error) {
	cfg := &BusConfig{
		pollInterval:      DefaultPollInterval,
		readTimeout:       DefaultReadTimeout,
		writeTimeout:      DefaultWriteTimeout,
		scanTimeout:       DefaultScanTimeout,
		interFrameGap:     DefaultInterFrameGap,
		offlineThreshold:  DefaultOfflineThreshold,
		cmdQueueSize:      DefaultCommandQueueSize,
		statusRegister:    DefaultStatusRegister,
		telemetryRegister: DefaultTelemetryRegister,
		fwChunkSize:       DefaultFwChunkSize,
		fwChunkDelay:      DefaultFwChunkDelay,
		fwRespTimeout:     DefaultFwRespTimeout,
		fwEraseSettle:     DefaultFwEraseSettle,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// PollInterval returns the period of the scheduler's poll ticker.
func (cfg *BusConfig) PollInterval() time.Duration { return cfg.pollInterval }

// ReadTimeout returns the reply deadline for poll reads.
func (cfg *BusConfig) ReadTimeout() time.Duration { return cfg.readTimeout }

// WriteTimeout returns the reply deadline for queued write commands.
func (cfg *BusConfig) WriteTimeout() time.Duration { return cfg.writeTimeout }

// ScanTimeout returns the per-address reply deadline during discovery scans.
func (cfg *BusConfig) ScanTimeout() time.Duration { return cfg.scanTimeout }

// InterFrameGap returns the quiet period inserted between consecutive
// exchanges on the half-duplex line.
func (cfg *BusConfig) InterFrameGap() time.Duration { return cfg.interFrameGap }

// OfflineThreshold returns the number of consecutive poll failures after
// which a device is marked offline.
func (cfg *BusConfig) OfflineThreshold() int { return cfg.offlineThreshold }

// CommandQueueSize returns the capacity of the user command queue.
func (cfg *BusConfig) CommandQueueSize() int { return cfg.cmdQueueSize }

// StatusRegister returns the register polled for device status bits.
func (cfg *BusConfig) StatusRegister() uint16 { return cfg.statusRegister }

// TelemetryRegister returns the secondary register polled each cycle.
func (cfg *BusConfig) TelemetryRegister() uint16 { return cfg.telemetryRegister }

// GetLogger returns the configured logger.
func (cfg *BusConfig) GetLogger() logger.Logger { return cfg.logger }

// --- BusOption ---

// BusOption is a functional option for configuring a BusConfig.
type BusOption interface {
	apply(*BusConfig) error
}

type busOptFunc func(*BusConfig) error

func (f busOptFunc) apply(cfg *BusConfig) error { return f(cfg) }

func checkTimeout(name string, d time.Duration) error {
	if d < MinExchangeTimeout || d > MaxExchangeTimeout {
		return fmt.Errorf("rtu: %s %v out of range [%v, %v]",
			name, d, MinExchangeTimeout, MaxExchangeTimeout)
	}

	return nil
}

// WithPollInterval sets the scheduler's poll ticker period.
func WithPollInterval(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("rtu: poll interval %v out of range [%v, %v]",
				d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithReadTimeout sets the reply deadline for poll reads.
func WithReadTimeout(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if err := checkTimeout("read timeout", d); err != nil {
			return err
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the reply deadline for queued write commands.
func WithWriteTimeout(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if err := checkTimeout("write timeout", d); err != nil {
			return err
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithScanTimeout sets the per-address reply deadline for discovery scans.
// Scans probe mostly-silent addresses, so this is normally much shorter than
// the poll read timeout.
func WithScanTimeout(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if err := checkTimeout("scan timeout", d); err != nil {
			return err
		}
		cfg.scanTimeout = d

		return nil
	})
}

// WithInterFrameGap sets the quiet period between consecutive exchanges.
func WithInterFrameGap(d time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if d < 0 || d > MaxInterFrameGap {
			return fmt.Errorf("rtu: inter-frame gap %v out of range [0, %v]", d, MaxInterFrameGap)
		}
		cfg.interFrameGap = d

		return nil
	})
}

// WithOfflineThreshold sets how many consecutive poll failures mark a device
// offline. A threshold above 1 debounces transient bus noise so device
// status does not flap on a single lost frame.
func WithOfflineThreshold(n int) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if n < MinOfflineThreshold || n > MaxOfflineThreshold {
			return fmt.Errorf("rtu: offline threshold %d out of range [%d, %d]",
				n, MinOfflineThreshold, MaxOfflineThreshold)
		}
		cfg.offlineThreshold = n

		return nil
	})
}

// WithCommandQueueSize sets the capacity of the user command queue.
func WithCommandQueueSize(n int) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if n < 1 {
			return errors.New("rtu: command queue size must be >= 1")
		}
		cfg.cmdQueueSize = n

		return nil
	})
}

// WithStatusRegister sets the register polled for device status bits.
func WithStatusRegister(reg uint16) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		cfg.statusRegister = reg

		return nil
	})
}

// WithTelemetryRegister sets the secondary register polled each cycle.
func WithTelemetryRegister(reg uint16) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		cfg.telemetryRegister = reg

		return nil
	})
}

// WithFirmwareDefaults sets the default chunk size, inter-chunk delay,
// response timeout, and erase settle delay for firmware transfers. Each
// transfer may still override them via FirmwareOptions.
func WithFirmwareDefaults(chunkSize int, chunkDelay, respTimeout, eraseSettle time.Duration) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if chunkSize < 1 || chunkSize > MaxFwChunkSize {
			return fmt.Errorf("rtu: firmware chunk size %d out of range [1, %d]",
				chunkSize, MaxFwChunkSize)
		}
		if chunkDelay < 0 || respTimeout <= 0 || eraseSettle < 0 {
			return errors.New("rtu: firmware delays must be non-negative and response timeout positive")
		}

		cfg.fwChunkSize = chunkSize
		cfg.fwChunkDelay = chunkDelay
		cfg.fwRespTimeout = respTimeout
		cfg.fwEraseSettle = eraseSettle

		return nil
	})
}

// WithLogger sets the logger for the bus.
func WithLogger(l logger.Logger) BusOption {
	return busOptFunc(func(cfg *BusConfig) error {
		if l == nil {
			return errors.New("rtu: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
