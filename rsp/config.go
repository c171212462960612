package rsp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-gdbmon/logger"
)

// Default client settings.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultSendTimeout    = 3 * time.Second
	DefaultReplyTimeout   = 5 * time.Second

	// DefaultHaltCommand is the packet used to freeze the target before a snapshot.
	// Stubs in the protocol family usually implement "s" as a single step; the
	// emulator stubs this client targets treat it as halt-until-continued.
	DefaultHaltCommand = "s"
)

// Packet size limits.
const (
	// MinPacketSize is the smallest packet size that still carries one byte of
	// hex encoded memory per exchange.
	MinPacketSize = FramingOverhead + 2

	// MaxPacketSize caps both the negotiated and the configured packet size.
	MaxPacketSize = 1 << 20
)

// ClientConfig holds the configuration of a Client.
type ClientConfig struct {
	connectTimeout time.Duration
	sendTimeout    time.Duration
	replyTimeout   time.Duration

	// packetSize is a fixed maximum packet size; 0 means negotiate or unbounded.
	packetSize int
	negotiate  bool

	haltCommand string

	logger logger.Logger
}

// NewClientConfig creates a client configuration with defaults, then applies opts in order.
func NewClientConfig(opts ...ClientOption) (*ClientConfig, error) {
	cfg := &ClientConfig{
		connectTimeout: DefaultConnectTimeout,
		sendTimeout:    DefaultSendTimeout,
		replyTimeout:   DefaultReplyTimeout,
		negotiate:      true,
		haltCommand:    DefaultHaltCommand,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ConnectTimeout returns the TCP dial timeout.
func (cfg *ClientConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// SendTimeout returns the write deadline applied to every outgoing packet.
func (cfg *ClientConfig) SendTimeout() time.Duration { return cfg.sendTimeout }

// ReplyTimeout returns the maximum wait for an acknowledgment or reply packet.
func (cfg *ClientConfig) ReplyTimeout() time.Duration { return cfg.replyTimeout }

// PacketSize returns the fixed packet size, or 0 when none is configured.
func (cfg *ClientConfig) PacketSize() int { return cfg.packetSize }

// Negotiate reports whether the packet size is negotiated with qSupported on connect.
func (cfg *ClientConfig) Negotiate() bool { return cfg.negotiate }

// HaltCommand returns the packet payload used to halt the target.
func (cfg *ClientConfig) HaltCommand() string { return cfg.haltCommand }

// GetLogger returns the configured logger.
func (cfg *ClientConfig) GetLogger() logger.Logger { return cfg.logger }

// ClientOption is a functional option for configuring a ClientConfig.
type ClientOption interface {
	apply(*ClientConfig) error
}

type clientOptFunc func(*ClientConfig) error

func (f clientOptFunc) apply(cfg *ClientConfig) error { return f(cfg) }

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if d <= 0 {
			return errors.New("rsp: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithSendTimeout sets the write deadline applied to every outgoing packet.
func WithSendTimeout(d time.Duration) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if d <= 0 {
			return errors.New("rsp: send timeout must be positive")
		}
		cfg.sendTimeout = d

		return nil
	})
}

// WithReplyTimeout sets the maximum wait for an acknowledgment or a reply packet.
//
// A reply that does not arrive in time desynchronizes the lock-step protocol, so the
// connection is torn down when it expires.
func WithReplyTimeout(d time.Duration) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if d <= 0 {
			return errors.New("rsp: reply timeout must be positive")
		}
		cfg.replyTimeout = d

		return nil
	})
}

// WithPacketSize fixes the maximum packet size and disables negotiation.
// Pass 0 to restore the default behavior, which negotiates the size on connect.
func WithPacketSize(size int) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if size == 0 {
			cfg.packetSize = 0
			cfg.negotiate = true

			return nil
		}

		if err := validatePacketSize(size); err != nil {
			return err
		}
		cfg.packetSize = size
		cfg.negotiate = false

		return nil
	})
}

// WithNegotiation enables or disables qSupported packet size negotiation on connect.
// Enabled by default. Without negotiation or a fixed size, transfers are not chunked.
func WithNegotiation(enabled bool) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		cfg.negotiate = enabled

		return nil
	})
}

// WithHaltCommand sets the packet payload sent by StopExecution.
func WithHaltCommand(cmd string) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if cmd == "" {
			return errors.New("rsp: halt command must not be empty")
		}
		if strings.ContainsAny(cmd, "$#") {
			return fmt.Errorf("rsp: halt command %q contains framing characters", cmd)
		}
		cfg.haltCommand = cmd

		return nil
	})
}

// WithLogger sets the logger for the client.
func WithLogger(l logger.Logger) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if l == nil {
			return errors.New("rsp: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

func validatePacketSize(size int) error {
	if size < MinPacketSize || size > MaxPacketSize {
		return fmt.Errorf("%w: %d out of range [%d, %d]", ErrInvalidPacketSize, size, MinPacketSize, MaxPacketSize)
	}

	return nil
}
