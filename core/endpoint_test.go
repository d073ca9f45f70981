package core

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointIsSet(t *testing.T) {
	var zero Endpoint
	assert.False(t, zero.IsSet())
	assert.Equal(t, "unset", zero.String())

	ep := Endpoint{Addr: netip.MustParseAddr("10.0.0.5"), Port: DefaultPort}
	assert.True(t, ep.IsSet())
	assert.Equal(t, "10.0.0.5:2013", ep.String())
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "dotted decimal", input: "192.168.1.42", want: "192.168.1.42"},
		{name: "zero octets", input: "10.0.0.5", want: "10.0.0.5"},
		{name: "hostname", input: "example.com", wantErr: true},
		{name: "ipv6", input: "::1", wantErr: true},
		{name: "octet overflow", input: "10.0.0.256", wantErr: true},
		{name: "broadcast marker", input: "255.255.255.255", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHost(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHost)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), ep.Port)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ep.Addr)

	_, err = ParseEndpoint("127.0.0.1:70000")
	assert.Error(t, err, "out of range port")

	_, err = ParseEndpoint("nohost")
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestAddrFromNetAddr(t *testing.T) {
	addr, port := AddrFromNetAddr(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 5000})
	assert.Equal(t, netip.MustParseAddr("192.168.1.7"), addr)
	assert.Equal(t, uint16(5000), port)

	addr, port = AddrFromNetAddr(&net.UnixAddr{Name: "/tmp/x", Net: "unix"})
	assert.False(t, addr.IsValid())
	assert.Zero(t, port)
}

func TestEndpointNetAddrs(t *testing.T) {
	ep := Endpoint{Addr: netip.MustParseAddr("10.1.2.3"), Port: 4000}
	assert.Equal(t, "10.1.2.3:4000", ep.UDPAddr().String())
	assert.Equal(t, "10.1.2.3:4000", ep.TCPAddr().String())
}
