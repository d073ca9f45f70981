// Package udp provides the datagram client transport: a fire-and-forget
// Sender bound to the remote endpoint and a Receiver worker bound to a local
// port.
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/transport"
)

// Compile-time interface check.
var _ transport.Sender = (*Sender)(nil)

// listenFunc opens a packet socket; overridable for testing.
type listenFunc func(network, address string) (net.PacketConn, error)

// SenderConfig holds the configuration for a Sender.
type SenderConfig struct {
	// Remote is the fixed destination of every datagram.
	Remote core.Endpoint
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Sender sends datagrams to a fixed remote endpoint. Delivery is at most
// once: failures are reported but never retried or buffered.
type Sender struct {
	cfg  SenderConfig
	log  *slog.Logger
	dest *net.UDPAddr

	mu   sync.RWMutex
	conn net.PacketConn
}

// NewSender opens the outbound socket. The socket is owned by the Sender
// until Close.
func NewSender(cfg SenderConfig) (*Sender, error) {
	return newSender(cfg, net.ListenPacket)
}

func newSender(cfg SenderConfig, listen listenFunc) (*Sender, error) {
	if !cfg.Remote.IsSet() {
		return nil, errors.New("udp sender: remote endpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := listen("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}

	return &Sender{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("udpout"),
		dest: cfg.Remote.UDPAddr(),
		conn: conn,
	}, nil
}

// Send writes data as a single datagram to the remote endpoint.
func (s *Sender) Send(data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return transport.ErrNotConnected
	}

	if _, err := conn.WriteTo(data, s.dest); err != nil {
		s.log.Error("error occurred during sending", "remote", s.cfg.Remote, "error", err)
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

// Close releases the socket. Further sends fail with ErrNotConnected.
func (s *Sender) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
