package tcpshm

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NameSize is the fixed width of a null-padded endpoint name on the wire.
const NameSize = 16

// Config gathers the parameters the C++ source fixes at compile time as
// template constants (spec.md section 6). They are validated once, at
// NewClient/NewServer construction time, instead of failing a
// static_assert.
type Config struct {
	// Dir is the directory persisted PTCP/SHM files live under. It must
	// already exist and be writable; the library never creates it
	// (directory preparation is the caller's concern).
	Dir string

	// ShmQueueSize is the byte size of each SPSC queue's block ring (the
	// file also holds the queue's cursor header); must be a power of two.
	// Ignored unless the session negotiates SHM.
	ShmQueueSize uint32

	// ToLittleEndian selects the wire byte order for header fields.
	ToLittleEndian bool

	// TcpQueueSize is the byte size of the PTCP send buffer; must be a
	// multiple of HeaderSize.
	TcpQueueSize uint32

	// TcpRecvBufInitSize/TcpRecvBufMaxSize bound the TCP receive buffer;
	// both must be multiples of HeaderSize, and Init <= Max.
	TcpRecvBufInitSize uint32
	TcpRecvBufMaxSize  uint32

	// TcpNoDelay disables Nagle's algorithm on the TCP socket.
	TcpNoDelay bool

	// ConnectionTimeout is how long the peer may stay silent before the
	// connection is dropped with reason "timeout".
	ConnectionTimeout time.Duration

	// HeartBeatInterval is how long a connection may go without sending a
	// frame before a heartbeat is emitted.
	HeartBeatInterval time.Duration

	// PinThreads locks each group-polling goroutine to its own OS thread
	// via runtime.LockOSThread, matching the "OS threads, pinned
	// (optionally) to cores" scheduling model. Off by default: plain
	// goroutines scheduled across GOMAXPROCS already give one
	// polling-thread-per-group in practice.
	PinThreads bool

	// Logger receives structured lifecycle events. A nil Logger falls
	// back to logrus.StandardLogger().
	Logger *logrus.Logger

	// Registerer, if non-nil, receives the optional Prometheus collectors
	// described in SPEC_FULL.md section 6. A nil Registerer disables
	// metrics entirely -- no collector is even constructed.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config with conservative, commonly-useful values.
// Callers still must set Dir.
func DefaultConfig() Config {
	return Config{
		ShmQueueSize:       4 * 1024 * 1024,
		ToLittleEndian:     true,
		TcpQueueSize:       8000,
		TcpRecvBufInitSize: 4000,
		TcpRecvBufMaxSize:  16000,
		TcpNoDelay:         true,
		ConnectionTimeout:  10 * time.Second,
		HeartBeatInterval:  1 * time.Second,
	}
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// validate checks the structural invariants spec.md section 6 requires of
// the configuration surface.
func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("tcpshm: Config.Dir must be set")
	}
	if c.ShmQueueSize != 0 && c.ShmQueueSize&(c.ShmQueueSize-1) != 0 {
		return fmt.Errorf("tcpshm: ShmQueueSize %d must be a power of two", c.ShmQueueSize)
	}
	if c.TcpQueueSize == 0 || c.TcpQueueSize%HeaderSize != 0 {
		return fmt.Errorf("tcpshm: TcpQueueSize %d must be a non-zero multiple of %d", c.TcpQueueSize, HeaderSize)
	}
	if c.TcpRecvBufInitSize == 0 || c.TcpRecvBufInitSize%HeaderSize != 0 {
		return fmt.Errorf("tcpshm: TcpRecvBufInitSize %d must be a non-zero multiple of %d", c.TcpRecvBufInitSize, HeaderSize)
	}
	if c.TcpRecvBufMaxSize%HeaderSize != 0 {
		return fmt.Errorf("tcpshm: TcpRecvBufMaxSize %d must be a multiple of %d", c.TcpRecvBufMaxSize, HeaderSize)
	}
	if c.TcpRecvBufMaxSize < c.TcpRecvBufInitSize {
		return fmt.Errorf("tcpshm: TcpRecvBufMaxSize must be >= TcpRecvBufInitSize")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("tcpshm: ConnectionTimeout must be positive")
	}
	if c.HeartBeatInterval <= 0 {
		return fmt.Errorf("tcpshm: HeartBeatInterval must be positive")
	}
	return nil
}

// ServerConfig adds the server-only fixed-capacity pool parameters.
type ServerConfig struct {
	Config

	MaxNewConnections    uint32
	MaxShmConnsPerGrp    uint32
	MaxShmGrps           uint32
	MaxTcpConnsPerGrp    uint32
	MaxTcpGrps           uint32
	NewConnectionTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with conservative defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Config:               DefaultConfig(),
		MaxNewConnections:    10,
		MaxShmConnsPerGrp:    16,
		MaxShmGrps:           2,
		MaxTcpConnsPerGrp:    32,
		MaxTcpGrps:           4,
		NewConnectionTimeout: 5 * time.Second,
	}
}

func (c *ServerConfig) validate() error {
	if err := c.Config.validate(); err != nil {
		return err
	}
	if c.MaxNewConnections == 0 {
		return fmt.Errorf("tcpshm: MaxNewConnections must be > 0")
	}
	if c.MaxTcpGrps == 0 || c.MaxTcpConnsPerGrp == 0 {
		return fmt.Errorf("tcpshm: MaxTcpGrps and MaxTcpConnsPerGrp must be > 0")
	}
	if c.NewConnectionTimeout <= 0 {
		return fmt.Errorf("tcpshm: NewConnectionTimeout must be positive")
	}
	return nil
}
