package cs104

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/locking"
	"github.com/arloliu/go-iec104/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Timeouts are the four timers of IEC 60870-5-104.
type Timeouts struct {
	// Connect (t0) bounds the establishment of the TCP connection.
	Connect time.Duration
	// AckWait (t1) bounds the wait for the acknowledgement of a sent I-frame and for the
	// confirmation of STARTDT, STOPDT and TESTFR.
	AckWait time.Duration
	// AckDelay (t2) is the longest delay before received I-frames are acknowledged with an
	// S-frame. It must be shorter than AckWait.
	AckDelay time.Duration
	// Idle (t3) is the idle time after which a TESTFR act is sent. It must be longer than AckWait.
	Idle time.Duration
}

// DefaultTimeouts returns the values recommended by the standard: t0=30s, t1=15s, t2=10s, t3=20s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  30 * time.Second,
		AckWait:  15 * time.Second,
		AckDelay: 10 * time.Second,
		Idle:     20 * time.Second,
	}
}

// Validate checks that every timeout is positive and that t2 < t1 < t3.
func (t Timeouts) Validate() error {
	if t.Connect <= 0 || t.AckWait <= 0 || t.AckDelay <= 0 || t.Idle <= 0 {
		return errors.New("timeouts must be positive")
	}

	if t.AckDelay >= t.AckWait {
		return fmt.Errorf("t2 (%v) must be shorter than t1 (%v)", t.AckDelay, t.AckWait)
	}

	if t.Idle <= t.AckWait {
		return fmt.Errorf("t3 (%v) must be longer than t1 (%v)", t.Idle, t.AckWait)
	}

	return nil
}

// Backoff configures the delay between reconnection attempts.
//
// The delay of attempt n (1-based) is Initial * Multiplier^(n-1), capped at Max.
// A Multiplier of 1 gives a fixed delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// ConnectionConfig is the configuration of a Client. It is immutable once the client is created.
type ConnectionConfig struct {
	// address is the host:port of the controlled station.
	address string

	// timeouts are t0..t3.
	// Defaults to DefaultTimeouts.
	timeouts Timeouts

	// ackWatermark (w) is the number of received I-frames after which an S-frame is sent
	// without waiting for t2.
	// Defaults to 8.
	ackWatermark int

	// channelCapacity is the buffer size of the unsolicited telegram channel.
	// Defaults to 100.
	channelCapacity int

	// writeTimeout bounds each socket write.
	// Defaults to 5 seconds.
	writeTimeout time.Duration

	// backoff configures reconnection delays.
	// Defaults to 1s initial, 30s max, multiplier 2.
	backoff Backoff

	// autoReconnect re-establishes a failed link automatically.
	// Defaults to true.
	autoReconnect bool

	// closeTimeout bounds the teardown of the client.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// codec converts telegrams and derives correlation keys.
	// Defaults to asdu.ParamsWide.
	codec asdu.Codec

	// lockPolicy creates every lock and condition variable of the client.
	// Defaults to locking.Standard.
	lockPolicy locking.Policy

	// tracerProvider creates the tracer used for command spans.
	// Defaults to the global OpenTelemetry provider.
	tracerProvider trace.TracerProvider

	// logger provides a logger instance for logging link events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates the configuration of a client connecting to address, a host:port
// string, and applies the options on top of the defaults.
//
// The timeouts are cross-checked after all options are applied, see Timeouts.Validate.
func NewConnectionConfig(address string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		timeouts:        DefaultTimeouts(),
		ackWatermark:    8,
		channelCapacity: 100,
		writeTimeout:    5 * time.Second,
		backoff:         Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
		autoReconnect:   true,
		closeTimeout:    3 * time.Second,
		codec:           asdu.ParamsWide,
		lockPolicy:      locking.Standard,
		tracerProvider:  otel.GetTracerProvider(),
		logger:          logger.GetLogger(),
	}

	if err := withAddress(address).apply(cfg); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.timeouts.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Address returns the host:port of the controlled station.
func (cfg *ConnectionConfig) Address() string { return cfg.address }

// Timeouts returns t0..t3.
func (cfg *ConnectionConfig) Timeouts() Timeouts { return cfg.timeouts }

// AckWatermark returns w.
func (cfg *ConnectionConfig) AckWatermark() int { return cfg.ackWatermark }

// ChannelCapacity returns the buffer size of the telegram channel.
func (cfg *ConnectionConfig) ChannelCapacity() int { return cfg.channelCapacity }

// AutoReconnect reports whether failed links are re-established automatically.
func (cfg *ConnectionConfig) AutoReconnect() bool { return cfg.autoReconnect }

// Codec returns the telegram codec.
func (cfg *ConnectionConfig) Codec() asdu.Codec { return cfg.codec }

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	return c.applyFunc(cfg)
}

func (c *connOptFunc) String() string { return c.name }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		applyFunc: f,
	}
}

func withAddress(address string) ConnOption {
	return newConnOptFunc("withAddress", func(cfg *ConnectionConfig) error {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", address, err)
		}

		if host == "" {
			return fmt.Errorf("invalid address %q: empty host", address)
		}

		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid address %q: port is out of range [1, 65535]", address)
		}

		cfg.address = address

		return nil
	})
}

// WithTimeouts sets t0..t3.
// Every value must be positive; t2 < t1 < t3 is checked by NewConnectionConfig once all
// options are applied.
//
// The default values are t0=30s, t1=15s, t2=10s, t3=20s.
func WithTimeouts(t Timeouts) ConnOption {
	return newConnOptFunc("WithTimeouts", func(cfg *ConnectionConfig) error {
		if t.Connect <= 0 || t.AckWait <= 0 || t.AckDelay <= 0 || t.Idle <= 0 {
			return errors.New("timeouts must be positive")
		}

		cfg.timeouts = t

		return nil
	})
}

// WithAckWatermark sets w, the number of received I-frames that forces an immediate S-frame.
// It must be within [1, 32767].
//
// The default value is 8.
func WithAckWatermark(w int) ConnOption {
	return newConnOptFunc("WithAckWatermark", func(cfg *ConnectionConfig) error {
		if w < 1 || w > 32767 {
			return errors.New("ack watermark out of range [1, 32767]")
		}

		cfg.ackWatermark = w

		return nil
	})
}

// WithChannelCapacity sets the buffer size of the unsolicited telegram channel.
// It must be within [0, 65536]. A full channel blocks the reader loop until the
// application drains it.
//
// The default value is 100.
func WithChannelCapacity(n int) ConnOption {
	return newConnOptFunc("WithChannelCapacity", func(cfg *ConnectionConfig) error {
		if n < 0 || n > 65536 {
			return errors.New("channel capacity out of range [0, 65536]")
		}

		cfg.channelCapacity = n

		return nil
	})
}

// WithWriteTimeout sets the deadline of each socket write. It must be within [10ms, 120s].
//
// The default value is 5 seconds.
func WithWriteTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithWriteTimeout", func(cfg *ConnectionConfig) error {
		if d < 10*time.Millisecond || d > 120*time.Second {
			return errors.New("write timeout out of range [0.01, 120]")
		}

		cfg.writeTimeout = d

		return nil
	})
}

// WithReconnectBackoff sets the reconnection delays. initial must be positive, maxDelay not
// shorter than initial and multiplier at least 1. A multiplier of 1 gives a fixed delay.
//
// The default values are 1s initial, 30s max and a multiplier of 2.
func WithReconnectBackoff(initial, maxDelay time.Duration, multiplier float64) ConnOption {
	return newConnOptFunc("WithReconnectBackoff", func(cfg *ConnectionConfig) error {
		if initial <= 0 || maxDelay < initial {
			return errors.New("reconnect backoff requires 0 < initial <= max")
		}

		if multiplier < 1 {
			return errors.New("reconnect backoff multiplier must be at least 1")
		}

		cfg.backoff = Backoff{Initial: initial, Max: maxDelay, Multiplier: multiplier}

		return nil
	})
}

// WithAutoReconnect enables or disables the automatic re-establishment of a failed link.
// When disabled, the client stays disconnected until Connect is called or a Pinger of kind
// PingConnect runs.
//
// The default value is true.
func WithAutoReconnect(val bool) ConnOption {
	return newConnOptFunc("WithAutoReconnect", func(cfg *ConnectionConfig) error {
		cfg.autoReconnect = val
		return nil
	})
}

// WithCloseTimeout sets the bound of the teardown performed by Close, in addition to the
// STOPDT handshake. It must be within [100ms, 60s].
//
// The default value is 3 seconds.
func WithCloseTimeout(d time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", func(cfg *ConnectionConfig) error {
		if d < 100*time.Millisecond || d > 60*time.Second {
			return errors.New("close timeout out of range [0.1, 60]")
		}

		cfg.closeTimeout = d

		return nil
	})
}

// WithCodec sets the telegram codec.
//
// The default codec is asdu.ParamsWide.
func WithCodec(codec asdu.Codec) ConnOption {
	return newConnOptFunc("WithCodec", func(cfg *ConnectionConfig) error {
		if codec == nil {
			return errors.New("codec is nil")
		}

		if p, ok := codec.(asdu.Params); ok {
			if err := p.Valid(); err != nil {
				return err
			}
		}

		cfg.codec = codec

		return nil
	})
}

// WithLockPolicy sets the policy creating every lock and condition variable of the client.
//
// The default policy is locking.Standard.
func WithLockPolicy(p locking.Policy) ConnOption {
	return newConnOptFunc("WithLockPolicy", func(cfg *ConnectionConfig) error {
		if p == nil {
			return errors.New("lock policy is nil")
		}

		cfg.lockPolicy = p

		return nil
	})
}

// WithTracerProvider sets the OpenTelemetry provider of the tracer recording command spans.
//
// The default is the global provider returned by otel.GetTracerProvider.
func WithTracerProvider(tp trace.TracerProvider) ConnOption {
	return newConnOptFunc("WithTracerProvider", func(cfg *ConnectionConfig) error {
		if tp == nil {
			return errors.New("tracer provider is nil")
		}

		cfg.tracerProvider = tp

		return nil
	})
}

// WithLogger sets the logger of the client.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}

		cfg.logger = l

		return nil
	})
}
