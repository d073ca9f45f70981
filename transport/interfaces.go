// Package transport provides the client transports a station uses to
// exchange data with its remote endpoint, and the contracts they share.
package transport

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// DefaultShutdownTimeout bounds how long Stop waits for a worker to exit.
const DefaultShutdownTimeout = 5 * time.Second

var (
	// ErrShutdownTimeout is returned when a worker does not exit in time.
	ErrShutdownTimeout = errors.New("worker shutdown timed out")
	// ErrNotConnected is returned when sending without an open connection.
	ErrNotConnected = errors.New("not connected")
)

// Worker is a transport running a background receive loop.
type Worker interface {
	// Start begins the worker's receive loop. The provided context controls
	// the worker's lifetime.
	Start(ctx context.Context) error
	// Stop closes the worker's socket and waits for the loop to exit.
	Stop() error
}

// Sender transmits data to the transport's fixed remote endpoint.
type Sender interface {
	Send(data []byte) error
}

// DataHandler is called for every datagram or stream chunk received. data is
// only valid for the duration of the call. Handlers run on the worker's
// goroutine and must not block.
type DataHandler func(addr netip.Addr, port uint16, data []byte)

// Kind selects the client transport implementation.
type Kind int

const (
	// KindDatagram is a UDP sender plus a UDP receiver.
	KindDatagram Kind = iota
	// KindStream is a reconnecting TCP client.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindDatagram:
		return "udp"
	case KindStream:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseKind maps a configured type name to a Kind. "udp" selects datagrams,
// anything else selects a stream.
func ParseKind(s string) Kind {
	if s == "udp" {
		return KindDatagram
	}
	return KindStream
}

// WaitDone waits for done to be closed, up to timeout.
func WaitDone(done <-chan struct{}, timeout time.Duration) error {
	if done == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}
