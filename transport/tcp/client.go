// Package tcp provides the stream client transport: a worker that keeps a
// TCP connection to a fixed remote endpoint open, reconnecting whenever it
// drops, until it is stopped.
package tcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/transport"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Compile-time interface checks.
var (
	_ transport.Worker = (*Client)(nil)
	_ transport.Sender = (*Client)(nil)
)

// rxBufSize is the size of the receive buffer.
const rxBufSize = 2048

// State is the client's connection flag.
type State int32

const (
	// StateShuttingDown is set once by Stop. The retry loop never leaves it.
	StateShuttingDown State = -1
	// StateNotConnected is the initial state and the state after a drop.
	StateNotConnected State = 0
	// StateConnected is set after a successful connect.
	StateConnected State = 1
)

func (s State) String() string {
	switch s {
	case StateShuttingDown:
		return "shutting-down"
	case StateNotConnected:
		return "not-connected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateHandler is called on every state transition.
type StateHandler func(state State)

// Config holds the configuration for a stream Client.
type Config struct {
	// Remote is the server to connect to.
	Remote core.Endpoint
	// Handler is called for every chunk received. If nil, data is
	// trace-logged and discarded.
	Handler transport.DataHandler
	// StateHandler is called on state transitions. Optional.
	StateHandler StateHandler
	// ReconnectInterval is the minimum spacing between connect attempts.
	// Zero retries immediately.
	ReconnectInterval time.Duration
	// ShutdownTimeout bounds how long Stop waits for the loop. Default: 5s.
	ShutdownTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a reconnecting TCP client worker.
type Client struct {
	cfg     Config
	log     *slog.Logger
	state   atomic.Int32
	limiter *rate.Limiter

	// dial allows overriding the connect call for testing.
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a stream client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = transport.DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.ReconnectInterval > 0 {
		limit = rate.Every(cfg.ReconnectInterval)
	}

	dialer := &net.Dialer{}
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("tcp"),
		limiter: rate.NewLimiter(limit, 1),
		dial:    dialer.DialContext,
	}
}

// Start launches the connect/receive loop.
func (c *Client) Start(ctx context.Context) error {
	if !c.cfg.Remote.IsSet() {
		return errors.New("tcp client: remote endpoint is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return errors.New("tcp client already started")
	}
	if c.State() == StateShuttingDown {
		return errors.New("tcp client is shut down")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, c.done)
	return nil
}

// Stop marks the client as shutting down, closes the socket so that a
// pending read fails, and waits for the loop to exit.
func (c *Client) Stop() error {
	c.mu.Lock()
	done := c.done
	cancel := c.cancel
	c.done = nil
	c.cancel = nil
	c.mu.Unlock()

	if done == nil {
		return nil
	}

	c.setState(StateShuttingDown)
	cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if err := transport.WaitDone(done, c.cfg.ShutdownTimeout); err != nil {
		c.log.Error("client loop did not exit", "remote", c.cfg.Remote, "error", err)
		return err
	}
	return nil
}

// State returns the current connection flag.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected returns true if the client holds an established connection.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Send writes data to the connection. It fails with ErrNotConnected unless
// the client is connected.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.IsConnected() {
		return transport.ErrNotConnected
	}

	if _, err := conn.Write(data); err != nil {
		c.log.Error("error occurred during sending", "remote", c.cfg.Remote, "error", err)
		return fmt.Errorf("sending: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	address := c.cfg.Remote.String()
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := c.dial(ctx, "tcp4", address)
		if err != nil {
			if isSocketError(err) {
				c.log.Error("unable to create socket", "error", err)
				return
			}
			c.log.Warn("socket unable to connect", "remote", address, "error", err)
			if c.State() == StateShuttingDown {
				return
			}
			continue
		}

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.log.Info("connected", "remote", address)

		c.receive(conn)

		c.detach(conn)
		_ = conn.Close()

		if c.State() == StateShuttingDown {
			return
		}
		c.log.Info("connection lost, reconnecting", "remote", address)
	}
}

// attach records conn and moves to StateConnected unless Stop has begun.
func (c *Client) attach(conn net.Conn) bool {
	c.mu.Lock()
	ok := c.state.CompareAndSwap(int32(StateNotConnected), int32(StateConnected))
	if ok {
		c.conn = conn
	}
	c.mu.Unlock()

	if ok {
		c.notify(StateConnected)
	}
	return ok
}

func (c *Client) detach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) receive(conn net.Conn) {
	buf := make([]byte, rxBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.dispatch(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if c.state.CompareAndSwap(int32(StateConnected), int32(StateNotConnected)) {
			c.notify(StateNotConnected)
		}
		c.log.Debug("receive ended", "error", err)
		return
	}
}

func (c *Client) dispatch(data []byte) {
	if c.cfg.Handler == nil {
		c.log.Debug("rx", "len", len(data), "data", hex.EncodeToString(data))
		return
	}
	c.cfg.Handler(c.cfg.Remote.Addr, c.cfg.Remote.Port, data)
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.notify(s)
	}
}

func (c *Client) notify(s State) {
	if c.cfg.StateHandler != nil {
		c.cfg.StateHandler(s)
	}
}

// isSocketError reports whether err came from creating the socket rather
// than from connecting it.
func isSocketError(err error) bool {
	var se *os.SyscallError
	return errors.As(err, &se) && se.Syscall == "socket"
}
