// Package mqtt bridges a station to an MQTT broker.
//
// Data received by the station's client is published raw to
// "{prefix}/{station}/rx". Link state is published retained to
// "{prefix}/{station}/status" as "online <addr>" or "offline", with "offline"
// as the last will. Payloads published to "{prefix}/{station}/tx" are handed
// to the station for sending.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/kabili207/wifistation/transport"
)

// Compile-time interface check.
var _ transport.DataHandler = (*Bridge)(nil).HandleData

const (
	// DefaultTopicPrefix is the default topic prefix.
	DefaultTopicPrefix = "wifistation"

	statusOffline = "offline"
	connectWait   = 30 * time.Second
)

// Sink receives payloads published to the tx topic.
type Sink interface {
	SendData(data []byte) error
}

// Config holds the configuration for a Bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, one is generated.
	ClientID string
	// TopicPrefix is the topic prefix (default: "wifistation").
	TopicPrefix string
	// StationID names this station in topics.
	StationID string
	// Sink receives tx payloads. If nil, the tx topic is not subscribed.
	Sink Sink
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bridge relays station traffic and link state to an MQTT broker.
type Bridge struct {
	cfg Config
	log *slog.Logger

	// newClient allows overriding the paho client for testing.
	newClient func(opts *paho.ClientOptions) paho.Client

	mu        sync.RWMutex
	client    paho.Client
	connected bool
	status    string
}

// New creates a bridge with the given configuration.
func New(cfg Config) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "wifistation-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("mqtt"),
		newClient: paho.NewClient,
		status:    statusOffline,
	}
}

// Start connects to the broker. The client reconnects on its own after a
// lost connection.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if b.cfg.StationID == "" {
		return errors.New("station ID is required")
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(2*time.Minute).
		SetKeepAlive(60*time.Second).
		SetPingTimeout(10*time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetWill(b.topic("status"), statusOffline, 1, true).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := b.newClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectWait):
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects from the broker.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.client = nil
	b.connected = false
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	if connected {
		token := client.Publish(b.topic("status"), 1, true, statusOffline)
		token.WaitTimeout(time.Second)
	}
	client.Disconnect(1000)
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// HandleData publishes data received by the station. It never blocks on
// the broker, so it can be used directly as a client data handler.
func (b *Bridge) HandleData(addr netip.Addr, port uint16, data []byte) {
	b.mu.RLock()
	client := b.client
	connected := b.connected
	b.mu.RUnlock()

	if !connected || client == nil {
		b.log.Debug("dropping rx, broker not connected", "from", netip.AddrPortFrom(addr, port), "len", len(data))
		return
	}

	payload := append([]byte(nil), data...)
	b.publish(client, b.topic("rx"), false, payload)
}

// HandleConnect publishes the station's link state. A nil addr means the
// link was lost.
func (b *Bridge) HandleConnect(addr *netip.Addr) {
	status := statusOffline
	if addr != nil {
		status = "online " + addr.String()
	}

	b.mu.Lock()
	b.status = status
	client := b.client
	connected := b.connected
	b.mu.Unlock()

	if connected && client != nil {
		b.publish(client, b.topic("status"), true, status)
	}
}

func (b *Bridge) publish(client paho.Client, topic string, retained bool, payload any) {
	token := client.Publish(topic, 0, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			b.log.Warn("publish failed", "topic", topic, "error", err)
		}
	}()
}

func (b *Bridge) topic(kind string) string {
	return b.cfg.TopicPrefix + "/" + b.cfg.StationID + "/" + kind
}

func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	if b.cfg.Sink == nil {
		return
	}
	if err := b.cfg.Sink.SendData(message.Payload()); err != nil {
		b.log.Warn("forwarding tx payload", "len", len(message.Payload()), "error", err)
	}
}

func (b *Bridge) onConnected(client paho.Client) {
	b.mu.Lock()
	b.connected = true
	status := b.status
	b.mu.Unlock()

	if b.cfg.Sink != nil {
		topic := b.topic("tx")
		client.Subscribe(topic, 0, b.handleMessage)
		b.log.Debug("subscribed to tx topic", "topic", topic)
	}
	b.publish(client, b.topic("status"), true, status)

	b.log.Info("connected to MQTT broker", "broker", b.cfg.Broker)
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.log.Error("MQTT connection lost", "error", err)
}

func (b *Bridge) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.log.Info("reconnecting to MQTT broker")
}
