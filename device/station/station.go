// Package station provides the station manager: it brings up the wireless
// link, reports connect and disconnect transitions, optionally synchronizes
// the clock once an address is acquired, and owns the single client
// transport used to exchange data with the remote endpoint.
//
// Teardown order on Stop is: client transport, link, wait for the address to
// clear, event subscriptions, link resources.
package station

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/core/clock"
	"github.com/kabili207/wifistation/device/link"
	"github.com/kabili207/wifistation/transport"
	"tinygo.org/x/drivers/netlink"
)

var (
	// ErrAlreadyConnected is returned by Start while an address is held.
	ErrAlreadyConnected = errors.New("station already connected")
	// ErrAlreadyStarted is returned by Start while the link is up.
	ErrAlreadyStarted = errors.New("station already started")
	// ErrNoRemote is returned by StartClient when no remote host is configured.
	ErrNoRemote = errors.New("remote endpoint not set")
	// ErrClientActive is returned by StartClient when a client of the
	// selected kind is already running.
	ErrClientActive = errors.New("client already active")
)

// ConnectHandler is called with the acquired address when the station gets
// one, and with nil when an established link is lost. It runs on the link
// driver's event goroutine and must not block.
type ConnectHandler func(addr *netip.Addr)

// Config holds the configuration for a Manager.
type Config struct {
	// Link is the wireless link driver. Required.
	Link link.Driver
	// Syncer synchronizes the clock after the first address is acquired.
	// If nil, no synchronization is attempted.
	Syncer clock.Syncer
	// TimeFromNetwork means the network stack obtains time on its own, so
	// the manager never triggers Syncer.
	TimeFromNetwork bool
	// ShutdownTimeout bounds each wait during teardown. Default: 5s.
	ShutdownTimeout time.Duration
	// ReceiveTimeout bounds each datagram read. Default: 10s.
	ReceiveTimeout time.Duration
	// ReconnectInterval is the minimum spacing between stream connect
	// attempts. Zero retries immediately. A configuration file may
	// override it.
	ReconnectInterval time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager is the station manager.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	link     link.Driver
	counters Counters

	// newDatagram and newStream allow overriding client construction for
	// testing.
	newDatagram clientFactory
	newStream   clientFactory

	mu                sync.Mutex
	params            netlink.ConnectParams
	remote            core.Endpoint
	kind              transport.Kind
	reconnectInterval time.Duration
	addr              netip.Addr
	addrCleared       chan struct{}
	onConnect         ConnectHandler
	started           bool
	stopping          bool
	syncing           bool
	syncedAt          time.Time
	syncCancel        context.CancelFunc
	unsubscribe       []func()
	client            client

	// clientMu serializes StartClient and StopClient. Clients are closed
	// without holding mu so a data handler may call SendData.
	clientMu sync.Mutex
}

// New creates a station manager with the given configuration. The remote
// endpoint starts unset with the default port and the datagram kind.
func New(cfg Config) (*Manager, error) {
	if cfg.Link == nil {
		return nil, errors.New("station: link driver is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = transport.DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("station"),
		link: cfg.Link,
		params: netlink.ConnectParams{
			AuthType: netlink.AuthTypeWPA2,
		},
		remote:            core.Endpoint{Port: core.DefaultPort},
		kind:              transport.KindDatagram,
		reconnectInterval: cfg.ReconnectInterval,
	}
	m.newDatagram = m.openDatagram
	m.newStream = m.openStream
	return m, nil
}

// Start brings the link up and subscribes to link and address events.
// onConnect may be nil.
func (m *Manager) Start(onConnect ConnectHandler) error {
	m.mu.Lock()
	if m.addr.IsValid() {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.stopping = false
	m.onConnect = onConnect
	params := m.params
	m.counters.Reset()
	syncCtx, cancel := context.WithCancel(context.Background())
	m.syncCancel = cancel
	m.mu.Unlock()

	if err := m.link.Init(&params); err != nil {
		m.abortStart()
		return fmt.Errorf("initializing link: %w", err)
	}

	unsubs := []func(){
		m.link.Subscribe(m.handleLinkEvent, link.EventStarted, link.EventDisconnected),
		m.link.Subscribe(func(n link.Notification) { m.handleGotAddress(syncCtx, n.Addr) }, link.EventGotAddress),
	}
	m.mu.Lock()
	m.unsubscribe = unsubs
	m.mu.Unlock()

	if err := m.link.Start(); err != nil {
		for _, fn := range unsubs {
			fn()
		}
		if derr := m.link.Deinit(); derr != nil {
			m.log.Error("releasing link", "error", derr)
		}
		m.abortStart()
		return fmt.Errorf("starting link: %w", err)
	}

	m.log.Info("link starting", "ssid", params.Ssid)
	return nil
}

func (m *Manager) abortStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.onConnect = nil
	m.unsubscribe = nil
	if m.syncCancel != nil {
		m.syncCancel()
		m.syncCancel = nil
	}
}

// Stop stops the client, takes the link down and waits for the address to
// clear before releasing the link. Every step runs even if an earlier one
// fails; the failures are joined. Stop on a stopped station is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	cleared := m.addrCleared
	m.mu.Unlock()

	var errs []error

	if err := m.StopClient(); err != nil {
		errs = append(errs, fmt.Errorf("stopping client: %w", err))
	}

	if err := m.link.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping link: %w", err))
	}

	if cleared != nil {
		if err := transport.WaitDone(cleared, m.cfg.ShutdownTimeout); err != nil {
			m.log.Error("address did not clear", "error", err)
			errs = append(errs, fmt.Errorf("waiting for link loss: %w", err))
		}
	}

	m.mu.Lock()
	unsubs := m.unsubscribe
	cancel := m.syncCancel
	m.unsubscribe = nil
	m.syncCancel = nil
	m.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if cancel != nil {
		cancel()
	}

	if err := m.link.Deinit(); err != nil {
		errs = append(errs, fmt.Errorf("releasing link: %w", err))
	}

	m.mu.Lock()
	if m.addrCleared != nil {
		close(m.addrCleared)
		m.addrCleared = nil
	}
	m.addr = netip.Addr{}
	m.started = false
	m.stopping = false
	m.syncing = false
	m.onConnect = nil
	m.mu.Unlock()

	m.log.Info("link stopped")
	return errors.Join(errs...)
}

func (m *Manager) handleLinkEvent(n link.Notification) {
	switch n.Event {
	case link.EventStarted:
		if err := m.link.Connect(); err != nil {
			m.log.Error("requesting association", "error", err)
		}
	case link.EventDisconnected:
		m.handleDisconnected()
	}
}

func (m *Manager) handleDisconnected() {
	m.mu.Lock()
	if m.addr.IsValid() {
		m.addr = netip.Addr{}
		cleared := m.addrCleared
		m.addrCleared = nil
		cb := m.onConnect
		m.mu.Unlock()

		m.counters.LinkDown.Inc()
		if cleared != nil {
			close(cleared)
		}
		m.log.Info("link lost")
		if cb != nil {
			cb(nil)
		}
		return
	}
	stopping := m.stopping
	m.mu.Unlock()

	if stopping {
		return
	}
	m.log.Warn("connect to the AP fail")
	if err := m.link.Connect(); err != nil {
		m.log.Error("requesting association", "error", err)
	}
}

func (m *Manager) handleGotAddress(syncCtx context.Context, addr netip.Addr) {
	m.mu.Lock()
	m.addr = addr
	if m.addrCleared == nil {
		m.addrCleared = make(chan struct{})
	}
	startSync := m.cfg.Syncer != nil && !m.cfg.TimeFromNetwork && !m.syncing && !m.cfg.Syncer.IsSynced()
	if startSync {
		m.syncing = true
	}
	cb := m.onConnect
	m.mu.Unlock()

	m.counters.LinkUp.Inc()
	m.log.Info("got ip", "addr", addr)

	if startSync {
		if err := m.cfg.Syncer.Sync(syncCtx, m.timeSynced); err != nil {
			m.log.Error("starting time sync", "error", err)
			m.mu.Lock()
			m.syncing = false
			m.mu.Unlock()
		}
	}

	if cb != nil {
		cb(&addr)
	}
}

func (m *Manager) timeSynced(now time.Time) {
	m.mu.Lock()
	m.syncing = false
	m.syncedAt = now
	m.mu.Unlock()
	m.log.Info("time synchronized", "time", now)
}

// StartClient constructs the client transport of the configured kind. A
// running client of the other kind is stopped first; a running client of the
// same kind is left alone and ErrClientActive is returned. onData may be nil.
func (m *Manager) StartClient(onData transport.DataHandler) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	m.mu.Lock()
	p := clientParams{
		remote:            m.remote,
		handler:           m.wrapHandler(onData),
		reconnectInterval: m.reconnectInterval,
	}
	kind := m.kind
	existing := m.client
	m.mu.Unlock()

	if !p.remote.IsSet() {
		return ErrNoRemote
	}

	if existing != nil {
		if existing.Kind() == kind {
			return ErrClientActive
		}
		m.log.Info("switching client", "from", existing.Kind().String(), "to", kind.String())
		m.setClient(nil)
		if err := existing.Close(); err != nil {
			m.log.Error("stopping previous client", "error", err)
		}
	}

	factory := m.newDatagram
	if kind == transport.KindStream {
		factory = m.newStream
	}
	c, err := factory(p)
	if err != nil {
		return fmt.Errorf("starting %s client: %w", kind, err)
	}

	m.setClient(c)
	m.log.Info("client started", "kind", kind.String(), "remote", p.remote)
	return nil
}

// StopClient stops whichever client is running. It is a no-op when none is.
func (m *Manager) StopClient() error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	m.log.Info("client stopped", "kind", c.Kind().String())
	return c.Close()
}

// SendData sends data through the running client. It does nothing and
// returns nil when no client is running or the running client is not of the
// configured kind.
func (m *Manager) SendData(data []byte) error {
	m.mu.Lock()
	c := m.client
	kind := m.kind
	m.mu.Unlock()

	if c == nil || c.Kind() != kind {
		return nil
	}

	m.counters.TxPackets.Inc()
	if err := c.Send(data); err != nil {
		m.counters.TxErrors.Inc()
		return err
	}
	return nil
}

func (m *Manager) setClient(c client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

// wrapHandler counts received data before passing it to fn.
func (m *Manager) wrapHandler(fn transport.DataHandler) transport.DataHandler {
	return func(addr netip.Addr, port uint16, data []byte) {
		m.counters.RxPackets.Inc()
		m.counters.RxBytes.Add(uint64(len(data)))
		if fn == nil {
			m.log.Debug("rx", "from", netip.AddrPortFrom(addr, port), "data", hex.EncodeToString(data))
			return
		}
		fn(addr, port, data)
	}
}

// Addr returns the acquired address and whether the station is connected.
func (m *Manager) Addr() (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr, m.addr.IsValid()
}

// Remote returns the configured remote endpoint.
func (m *Manager) Remote() core.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Kind returns the configured client kind.
func (m *Manager) Kind() transport.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// SetRemote sets the remote endpoint and client kind used by the next
// StartClient.
func (m *Manager) SetRemote(remote core.Endpoint, kind transport.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = remote
	m.kind = kind
}

// TimeSyncPending returns true while a clock synchronization started by the
// station has not completed.
func (m *Manager) TimeSyncPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing
}

// Counters returns the station's live counters.
func (m *Manager) Counters() *Counters {
	return &m.counters
}

// Status is a point-in-time view of the station.
type Status struct {
	Connected       bool             `json:"connected"`
	Address         string           `json:"address,omitempty"`
	SSID            string           `json:"ssid,omitempty"`
	Remote          string           `json:"remote"`
	Kind            string           `json:"kind"`
	ClientActive    bool             `json:"client_active"`
	TimeSyncPending bool             `json:"time_sync_pending"`
	TimeSyncedAt    string           `json:"time_synced_at,omitempty"`
	Counters        CountersSnapshot `json:"counters"`
}

// Status returns a snapshot of the station state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Connected:       m.addr.IsValid(),
		SSID:            m.params.Ssid,
		Remote:          m.remote.String(),
		Kind:            m.kind.String(),
		ClientActive:    m.client != nil,
		TimeSyncPending: m.syncing,
	}
	if s.Connected {
		s.Address = m.addr.String()
	}
	if !m.syncedAt.IsZero() {
		s.TimeSyncedAt = m.syncedAt.UTC().Format(time.RFC3339)
	}
	m.mu.Unlock()

	s.Counters = m.counters.Snapshot()
	return s
}
