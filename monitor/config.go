package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gdbmon/logger"
	"github.com/arloliu/go-gdbmon/rsp"
)

const (
	// DefaultTickRate is the nominal number of cycles per second.
	DefaultTickRate = 60
	// DefaultPeriod is the cycle period matching DefaultTickRate.
	DefaultPeriod = time.Second / DefaultTickRate
	// DefaultCloseTimeout bounds how long Close waits for the worker.
	DefaultCloseTimeout = 3 * time.Second

	// MinPeriod and MaxPeriod bound the configurable cycle period.
	MinPeriod = time.Millisecond
	MaxPeriod = time.Minute
)

// Config holds the configuration of a Monitor.
type Config struct {
	period       time.Duration
	clientOpts   []rsp.ClientOption
	identify     bool
	closeTimeout time.Duration
	logger       logger.Logger
}

// NewConfig creates a monitor configuration with defaults, then applies opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		period:       DefaultPeriod,
		identify:     true,
		closeTimeout: DefaultCloseTimeout,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Period returns the cycle period.
func (cfg *Config) Period() time.Duration { return cfg.period }

// Identify reports whether the target is identified on Open.
func (cfg *Config) Identify() bool { return cfg.identify }

// CloseTimeout returns how long Close waits for the worker to stop.
func (cfg *Config) CloseTimeout() time.Duration { return cfg.closeTimeout }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Monitor.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithTickRate sets the number of cycles per second.
func WithTickRate(hz float64) Option {
	return optFunc(func(cfg *Config) error {
		if hz <= 0 {
			return fmt.Errorf("monitor: invalid tick rate %v", hz)
		}

		return setPeriod(cfg, time.Duration(float64(time.Second)/hz))
	})
}

// WithPeriod sets the cycle period.
func WithPeriod(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		return setPeriod(cfg, d)
	})
}

// WithClientOptions sets the options of the underlying rsp.Client.
// The monitor logger is passed to the client unless opts set one.
func WithClientOptions(opts ...rsp.ClientOption) Option {
	return optFunc(func(cfg *Config) error {
		cfg.clientOpts = append(cfg.clientOpts, opts...)

		return nil
	})
}

// WithIdentify enables or disables target identification on Open. Enabled by default.
func WithIdentify(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.identify = enabled

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the worker to stop.
func WithCloseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("monitor: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the monitor.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("monitor: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

func setPeriod(cfg *Config, d time.Duration) error {
	if d < MinPeriod || d > MaxPeriod {
		return fmt.Errorf("monitor: period %v out of range [%v, %v]", d, MinPeriod, MaxPeriod)
	}
	cfg.period = d

	return nil
}
