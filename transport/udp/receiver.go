package udp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/transport"
)

// Compile-time interface check.
var _ transport.Worker = (*Receiver)(nil)

const (
	// DefaultReceiveTimeout bounds each blocking read.
	DefaultReceiveTimeout = 10 * time.Second

	// rxBufSize is the size of the receive buffer.
	rxBufSize = 2048
)

// ReceiverConfig holds the configuration for a Receiver.
type ReceiverConfig struct {
	// Port is the local port to bind.
	Port uint16
	// Handler is called for every datagram received. If nil, datagrams are
	// trace-logged and discarded.
	Handler transport.DataHandler
	// ReceiveTimeout bounds each read. Default: 10s.
	ReceiveTimeout time.Duration
	// ShutdownTimeout bounds how long Stop waits for the loop. Default: 5s.
	ShutdownTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Receiver is a worker that receives datagrams on a local port.
type Receiver struct {
	cfg    ReceiverConfig
	log    *slog.Logger
	listen listenFunc

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver creates a receiver with the given configuration. Start binds
// the port.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = transport.DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("udpin"),
		listen: net.ListenPacket,
	}
}

// Start binds the local port and starts the receive loop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errors.New("udp receiver already started")
	}

	conn, err := r.listen("udp4", ":"+strconv.Itoa(int(r.cfg.Port)))
	if err != nil {
		return fmt.Errorf("socket unable to bind: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	r.conn = conn
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.readLoop(readCtx, conn, r.done)

	r.log.Info("start", "port", r.cfg.Port)
	return nil
}

// Stop closes the socket, which unblocks the pending read, then waits for
// the loop to exit.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancel
	done := r.done
	r.conn = nil
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	cancel()
	err := conn.Close()

	if werr := transport.WaitDone(done, r.cfg.ShutdownTimeout); werr != nil {
		r.log.Error("receive loop did not exit", "error", werr)
		return werr
	}
	return err
}

// Running returns true while the receive loop is alive.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// LocalAddr returns the bound address, or nil before Start.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Receiver) readLoop(ctx context.Context, conn net.PacketConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, rxBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReceiveTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.log.Debug("receive error", "error", err)
			continue
		}

		r.dispatch(from, buf[:n])
	}
}

func (r *Receiver) dispatch(from net.Addr, data []byte) {
	addr, port := core.AddrFromNetAddr(from)
	if r.cfg.Handler == nil {
		r.log.Debug("rx", "from", from, "len", len(data), "data", hex.EncodeToString(data))
		return
	}
	r.cfg.Handler(addr, port, data)
}
