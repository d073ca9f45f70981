package main

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/device/link"
	"github.com/kabili207/wifistation/device/station"
	"github.com/kabili207/wifistation/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"tinygo.org/x/drivers/netlink"
)

func TestParseFlags_Defaults(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "wifi.json", o.configPath)
	assert.Equal(t, 115200, o.baudRate)
	assert.Equal(t, "pool.ntp.org", o.ntpServer)
	assert.Equal(t, "127.0.0.1:8787", o.apiAddr)
	assert.Empty(t, o.mqttBroker)
	assert.Equal(t, "wifistation", o.mqttPrefix)
	assert.Equal(t, "info", o.logLevel)
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{
		"-config", "/etc/wifistation.yaml",
		"-port", "/dev/ttyACM0",
		"-no-time-sync",
		"-api", "",
		"-mqtt-broker", "tcp://broker:1883",
		"-station-id", "bench",
		"-log-level", "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "/etc/wifistation.yaml", o.configPath)
	assert.Equal(t, "/dev/ttyACM0", o.serialPort)
	assert.True(t, o.noTimeSync)
	assert.Empty(t, o.apiAddr)
	assert.Equal(t, "tcp://broker:1883", o.mqttBroker)
	assert.Equal(t, "bench", o.stationID)
	assert.Equal(t, "debug", o.logLevel)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags([]string{"-bogus"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestSlogHandlerWritesToZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := slog.New(newSlogHandler(zap.New(core)))

	logger.WithGroup("station").Info("got ip", "addr", "192.168.1.42")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "got ip", entries[0].Message)
}

// nopLink satisfies link.Driver for wiring tests.
type nopLink struct{ bus *link.Bus }

func (n nopLink) Init(*netlink.ConnectParams) error { return nil }
func (n nopLink) Start() error                      { return nil }
func (n nopLink) Connect() error                    { return nil }
func (n nopLink) Stop() error                       { return nil }
func (n nopLink) Deinit() error                     { return nil }
func (n nopLink) Subscribe(fn link.Handler, events ...link.Event) func() {
	return n.bus.Subscribe(fn, events...)
}

func TestOnConnect_StartsAndStopsClient(t *testing.T) {
	st, err := station.New(station.Config{Link: nopLink{bus: link.NewBus()}})
	require.NoError(t, err)

	cb := onConnect(st, nil, slog.Default())

	addr := netip.MustParseAddr("192.168.1.42")
	cb(&addr)
	assert.False(t, st.Status().ClientActive, "no remote configured")

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, conn.Close())

	st.SetRemote(core.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: port}, transport.KindDatagram)
	cb(&addr)
	assert.True(t, st.Status().ClientActive)
	cb(&addr)
	assert.True(t, st.Status().ClientActive, "renewed address keeps the running client")

	cb(nil)
	assert.False(t, st.Status().ClientActive)
}
