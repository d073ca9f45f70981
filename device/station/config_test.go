package station

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/core/config"
	"github.com/kabili207/wifistation/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyConfig(t *testing.T, s *testStation, doc string) error {
	t.Helper()
	d, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return s.InitFromConfig(d, d.Root())
}

func TestInitFromConfig_Defaults(t *testing.T) {
	s := newTestStation(t, nil)

	require.NoError(t, applyConfig(t, s, `{"client": {"host": "10.0.0.5"}}`))

	assert.Equal(t, core.Endpoint{Addr: testRemote().Addr, Port: 2013}, s.Remote())
	assert.Equal(t, transport.KindDatagram, s.Kind())
}

func TestInitFromConfig_Full(t *testing.T) {
	s := newTestStation(t, nil)

	err := applyConfig(t, s, `
ssid: office
password: hunter22
client:
  host: 192.168.10.20
  port: 9000
  type: tcp
  reconnect_interval: 250ms
`)
	require.NoError(t, err)

	assert.Equal(t, "192.168.10.20:9000", s.Remote().String())
	assert.Equal(t, transport.KindStream, s.Kind())
	assert.Equal(t, 250*time.Millisecond, s.reconnectInterval)
	assert.Equal(t, "office", s.params.Ssid)
	assert.Equal(t, "hunter22", s.params.Passphrase)
}

func TestInitFromConfig_Type(t *testing.T) {
	tests := []struct {
		typ  string
		want transport.Kind
	}{
		{"udp", transport.KindDatagram},
		{"tcp", transport.KindStream},
		{"UDP", transport.KindStream},
		{"stream", transport.KindStream},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			s := newTestStation(t, nil)
			require.NoError(t, applyConfig(t, s, `{"client": {"host": "10.0.0.5", "type": "`+tt.typ+`"}}`))
			assert.Equal(t, tt.want, s.Kind())
		})
	}
}

func TestInitFromConfig_BadHostAbandonsClient(t *testing.T) {
	s := newTestStation(t, nil)

	err := applyConfig(t, s, `{"ssid": "office", "client": {"host": "10.0.0", "port": 9000, "type": "tcp"}}`)
	assert.ErrorIs(t, err, core.ErrInvalidHost)

	assert.False(t, s.Remote().IsSet())
	assert.Equal(t, core.DefaultPort, s.Remote().Port, "port after a bad host is not applied")
	assert.Equal(t, transport.KindDatagram, s.Kind(), "type after a bad host is not applied")
	assert.Equal(t, "office", s.params.Ssid, "fields before the client object still apply")
	assert.ErrorIs(t, s.StartClient(nil), ErrNoRemote)
}

func TestInitFromConfig_BroadcastHostRejected(t *testing.T) {
	s := newTestStation(t, nil)

	err := applyConfig(t, s, `{"client": {"host": "255.255.255.255"}}`)
	assert.ErrorIs(t, err, core.ErrInvalidHost)
	assert.False(t, s.Remote().IsSet())
}

func TestInitFromConfig_MissingHost(t *testing.T) {
	s := newTestStation(t, nil)

	err := applyConfig(t, s, `{"client": {"port": 9000}}`)
	assert.ErrorIs(t, err, config.ErrNotFound)
	assert.Equal(t, core.DefaultPort, s.Remote().Port)
}

func TestInitFromConfig_NoClient(t *testing.T) {
	s := newTestStation(t, nil)

	require.NoError(t, applyConfig(t, s, `{"ssid": "office"}`))
	assert.False(t, s.Remote().IsSet())
}

func TestInitFromConfig_IgnoresInvalidOptionalFields(t *testing.T) {
	s := newTestStation(t, nil)

	err := applyConfig(t, s, `{"client": {"host": "10.0.0.5", "port": 70000, "reconnect_interval": "soon"}}`)
	require.NoError(t, err)

	assert.Equal(t, core.DefaultPort, s.Remote().Port)
	assert.Zero(t, s.reconnectInterval)
}

func TestInitFromConfig_TruncatesCredentials(t *testing.T) {
	s := newTestStation(t, nil)

	ssid := strings.Repeat("s", 40)
	pass := strings.Repeat("p", 70)
	require.NoError(t, applyConfig(t, s, `{"ssid": "`+ssid+`", "password": "`+pass+`"}`))

	assert.Equal(t, ssid[:MaxSSIDLen], s.params.Ssid)
	assert.Equal(t, pass[:MaxPasswordLen], s.params.Passphrase)

	require.NoError(t, s.Start(nil))
	assert.Len(t, s.link.params.Ssid, MaxSSIDLen)
	assert.Equal(t, ssid[:MaxSSIDLen], s.Status().SSID)
}

func TestInitFromConfig_TruncatesOnRuneBoundary(t *testing.T) {
	s := newTestStation(t, nil)

	ssid := strings.Repeat("s", MaxSSIDLen-1) + "é"
	require.NoError(t, applyConfig(t, s, `{"ssid": "`+ssid+`"}`))

	assert.Equal(t, strings.Repeat("s", MaxSSIDLen-1), s.params.Ssid)
	assert.True(t, utf8.ValidString(s.params.Ssid))
}

func TestInitFromFile(t *testing.T) {
	s := newTestStation(t, nil)

	path := filepath.Join(t.TempDir(), "wifi.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ssid": "office", "client": {"host": "10.0.0.5", "type": "tcp"}}`), 0o600))

	require.NoError(t, s.InitFromFile(path))
	assert.Equal(t, "10.0.0.5:2013", s.Remote().String())
	assert.Equal(t, transport.KindStream, s.Kind())
}

func TestInitFromFile_Missing(t *testing.T) {
	s := newTestStation(t, nil)

	err := s.InitFromFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, config.ErrNotFound)
	assert.False(t, s.Remote().IsSet())
}
