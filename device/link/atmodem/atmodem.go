// Package atmodem provides a link driver for an ESP-AT Wi-Fi co-processor
// attached to a serial port.
//
// The module is put into station mode on Start and joined to the access point
// on Connect. Its unsolicited messages ("WIFI DISCONNECT", "WIFI GOT IP") are
// translated into link notifications; the acquired address is read back with
// AT+CIPSTA?.
package atmodem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/kabili207/wifistation/device/link"
	"go.bug.st/serial"
	"tinygo.org/x/drivers/netlink"
)

// Compile-time interface check.
var _ link.Driver = (*Driver)(nil)

// ErrPassphraseRequired is returned by Connect when the configured
// authentication floor is above open but no passphrase is set.
var ErrPassphraseRequired = errors.New("passphrase required by authentication type")

const (
	// DefaultBaudRate is the default baud rate of ESP-AT firmware.
	DefaultBaudRate = 115200

	// closeTimeout bounds how long Deinit waits for the read loop.
	closeTimeout = 5 * time.Second
)

// Commands sent to the module.
const (
	cmdStationMode = "AT+CWMODE=1"
	cmdQuit        = "AT+CWQAP"
	cmdQueryIP     = "AT+CIPSTA?"
)

// Config holds the configuration for an AT modem driver.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// port is the subset of serial.Port the driver uses.
type port interface {
	io.ReadWriteCloser
}

// Driver implements link.Driver over the ESP-AT command set.
type Driver struct {
	cfg Config
	log *slog.Logger
	bus *link.Bus

	// open allows overriding the serial port for testing.
	open func(name string, mode *serial.Mode) (port, error)

	mu      sync.Mutex
	port    port
	params  netlink.ConnectParams
	pending string
	done    chan struct{}

	writeMu sync.Mutex
}

// New creates a driver with the given configuration.
func New(cfg Config) *Driver {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg: cfg,
		log: cfg.Logger.WithGroup("atmodem"),
		bus: link.NewBus(),
		open: func(name string, mode *serial.Mode) (port, error) {
			return serial.Open(name, mode)
		},
	}
}

// Init opens the serial port and starts reading module output.
func (d *Driver) Init(params *netlink.ConnectParams) error {
	if params == nil {
		return errors.New("connect params are required")
	}
	if d.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return errors.New("modem already initialized")
	}

	p, err := d.open(d.cfg.Port, &serial.Mode{BaudRate: d.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	d.port = p
	d.params = *params
	d.done = make(chan struct{})
	go d.readLoop(p, d.done)

	d.log.Info("modem opened", "port", d.cfg.Port, "baud", d.cfg.BaudRate, "auth", int(params.AuthType))
	return nil
}

// Start switches the module to station mode. EventStarted is published
// when the module acknowledges.
func (d *Driver) Start() error {
	return d.command("mode", cmdStationMode)
}

// Connect joins the configured access point. ESP-AT has no per-join
// security threshold, so anything but an open network needs a passphrase.
func (d *Driver) Connect() error {
	d.mu.Lock()
	params := d.params
	d.mu.Unlock()

	if params.AuthType != netlink.AuthTypeOpen && params.Passphrase == "" {
		return ErrPassphraseRequired
	}

	return d.command("join", fmt.Sprintf(`AT+CWJAP="%s","%s"`, escape(params.Ssid), escape(params.Passphrase)))
}

// Stop leaves the access point. The module reports the loss with
// "WIFI DISCONNECT" if it was associated.
func (d *Driver) Stop() error {
	return d.command("quit", cmdQuit)
}

// Deinit closes the serial port and waits for the read loop to exit.
func (d *Driver) Deinit() error {
	d.mu.Lock()
	p := d.port
	done := d.done
	d.port = nil
	d.done = nil
	d.mu.Unlock()

	if p == nil {
		return nil
	}

	err := p.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeTimeout):
			return errors.New("modem read loop did not exit")
		}
	}
	return err
}

// Subscribe registers fn for link notifications.
func (d *Driver) Subscribe(fn link.Handler, events ...link.Event) func() {
	return d.bus.Subscribe(fn, events...)
}

// command writes an AT command terminated by CRLF and records it as the
// command awaiting a final result code.
func (d *Driver) command(name, cmd string) error {
	d.mu.Lock()
	p := d.port
	if p != nil {
		d.pending = name
	}
	d.mu.Unlock()

	if p == nil {
		return errors.New("modem not initialized")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := io.WriteString(p, cmd+"\r\n"); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// readLoop splits module output into lines until the port is closed.
func (d *Driver) readLoop(p port, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(p)
	for scanner.Scan() {
		d.handleLine(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		d.log.Debug("modem read ended", "error", err)
	}
}

func (d *Driver) takePending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	d.pending = ""
	return p
}

func (d *Driver) handleLine(line string) {
	kind, addr := parseLine(line)
	switch kind {
	case lineOK:
		if d.takePending() == "mode" {
			d.bus.Publish(link.Notification{Event: link.EventStarted})
		}
	case lineError:
		pending := d.takePending()
		d.log.Warn("command failed", "command", pending, "result", line)
		if pending == "join" {
			d.bus.Publish(link.Notification{Event: link.EventDisconnected})
		}
	case lineConnected:
		d.log.Debug("associated")
	case lineGotIP:
		if err := d.command("query", cmdQueryIP); err != nil {
			d.log.Error("querying address", "error", err)
		}
	case lineAddress:
		d.bus.Publish(link.Notification{Event: link.EventGotAddress, Addr: addr})
	case lineDisconnect:
		d.bus.Publish(link.Notification{Event: link.EventDisconnected})
	case lineJoinCode:
		d.log.Debug("join failed", "reason", line)
	default:
		if line != "" {
			d.log.Debug("modem", "line", line)
		}
	}
}

type lineKind int

const (
	lineOther lineKind = iota
	lineOK
	lineError
	lineConnected
	lineGotIP
	lineAddress
	lineDisconnect
	lineJoinCode
)

// parseLine classifies a line of module output. For lineAddress the station
// address is returned.
func parseLine(line string) (lineKind, netip.Addr) {
	switch {
	case line == "OK":
		return lineOK, netip.Addr{}
	case line == "ERROR" || line == "FAIL":
		return lineError, netip.Addr{}
	case line == "WIFI CONNECTED":
		return lineConnected, netip.Addr{}
	case line == "WIFI GOT IP":
		return lineGotIP, netip.Addr{}
	case line == "WIFI DISCONNECT":
		return lineDisconnect, netip.Addr{}
	case strings.HasPrefix(line, "+CWJAP:"):
		return lineJoinCode, netip.Addr{}
	case strings.HasPrefix(line, "+CIPSTA:ip:"):
		s := strings.Trim(strings.TrimPrefix(line, "+CIPSTA:ip:"), `"`)
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() || addr.IsUnspecified() {
			return lineOther, netip.Addr{}
		}
		return lineAddress, addr
	default:
		return lineOther, netip.Addr{}
	}
}

// escape backslash-escapes the characters ESP-AT treats specially inside
// quoted string parameters.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', ',', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
