package station

import (
	"context"
	"errors"
	"time"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/transport"
	"github.com/kabili207/wifistation/transport/tcp"
	"github.com/kabili207/wifistation/transport/udp"
)

// client is the transport owned by the Manager. It is either a
// *datagramClient or a *streamClient; no client is a nil interface.
type client interface {
	Kind() transport.Kind
	Send(data []byte) error
	Close() error
}

var (
	_ client = (*datagramClient)(nil)
	_ client = (*streamClient)(nil)
)

// clientParams is captured by value when a client is constructed.
type clientParams struct {
	remote            core.Endpoint
	handler           transport.DataHandler
	reconnectInterval time.Duration
}

// clientFactory constructs and starts a client.
type clientFactory func(p clientParams) (client, error)

// datagramClient pairs the outbound sender with the inbound receiver. The
// receiver listens on the remote port.
type datagramClient struct {
	sender   *udp.Sender
	receiver *udp.Receiver
}

func (c *datagramClient) Kind() transport.Kind { return transport.KindDatagram }

func (c *datagramClient) Send(data []byte) error { return c.sender.Send(data) }

// Close stops the receiver before releasing the sender socket.
func (c *datagramClient) Close() error {
	return errors.Join(c.receiver.Stop(), c.sender.Close())
}

// streamClient wraps the reconnecting stream client.
type streamClient struct {
	client *tcp.Client
}

func (c *streamClient) Kind() transport.Kind { return transport.KindStream }

func (c *streamClient) Send(data []byte) error { return c.client.Send(data) }

func (c *streamClient) Close() error { return c.client.Stop() }

func (m *Manager) openDatagram(p clientParams) (client, error) {
	sender, err := udp.NewSender(udp.SenderConfig{
		Remote: p.remote,
		Logger: m.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	receiver := udp.NewReceiver(udp.ReceiverConfig{
		Port:            p.remote.Port,
		Handler:         p.handler,
		ReceiveTimeout:  m.cfg.ReceiveTimeout,
		ShutdownTimeout: m.cfg.ShutdownTimeout,
		Logger:          m.cfg.Logger,
	})
	if err := receiver.Start(context.Background()); err != nil {
		_ = sender.Close()
		return nil, err
	}

	return &datagramClient{sender: sender, receiver: receiver}, nil
}

func (m *Manager) openStream(p clientParams) (client, error) {
	c := tcp.NewClient(tcp.Config{
		Remote:            p.remote,
		Handler:           p.handler,
		StateHandler:      m.streamStateChanged,
		ReconnectInterval: p.reconnectInterval,
		ShutdownTimeout:   m.cfg.ShutdownTimeout,
		Logger:            m.cfg.Logger,
	})
	if err := c.Start(context.Background()); err != nil {
		return nil, err
	}
	return &streamClient{client: c}, nil
}

func (m *Manager) streamStateChanged(s tcp.State) {
	m.log.Debug("stream client state", "state", s.String())
}
