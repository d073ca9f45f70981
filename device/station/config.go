package station

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kabili207/wifistation/core"
	"github.com/kabili207/wifistation/core/config"
	"github.com/kabili207/wifistation/transport"
)

// Credential capacities of the station configuration.
const (
	MaxSSIDLen     = 32
	MaxPasswordLen = 64
)

// InitFromFile loads a JSON or YAML file and applies its root object with
// InitFromConfig.
func (m *Manager) InitFromFile(path string) error {
	doc, err := config.LoadFile(path)
	if err != nil {
		m.log.Warn("failed to open file", "path", path, "error", err)
		return err
	}
	return m.InitFromConfig(doc, doc.Root())
}

// InitFromConfig applies the object obj of p:
//
//	ssid, password      credentials, truncated to capacity
//	client.host         remote IPv4 address (required when client is present)
//	client.port         remote port (default 2013)
//	client.type         "udp" selects datagrams, anything else a stream
//	client.reconnect_interval
//	                    stream reconnect spacing, as a duration string
//
// A missing or malformed host abandons the rest of the client object.
func (m *Manager) InitFromConfig(p config.Parser, obj int) error {
	if s, ok := p.GetString(obj, "ssid"); ok {
		s = m.truncate("ssid", s, MaxSSIDLen)
		m.mu.Lock()
		m.params.Ssid = s
		m.mu.Unlock()
	}
	if s, ok := p.GetString(obj, "password"); ok {
		s = m.truncate("password", s, MaxPasswordLen)
		m.mu.Lock()
		m.params.Passphrase = s
		m.mu.Unlock()
	}

	client, ok := p.GetObject(obj, "client")
	if !ok {
		return nil
	}

	host, ok := p.GetString(client, "host")
	if !ok {
		m.log.Error("client.host not found")
		return fmt.Errorf("client.host: %w", config.ErrNotFound)
	}
	addr, err := core.ParseHost(host)
	if err != nil {
		m.log.Error("wrong host", "host", host)
		return fmt.Errorf("client.host: %w", err)
	}
	m.mu.Lock()
	m.remote.Addr = addr
	m.mu.Unlock()
	m.log.Info("got ip", "host", addr)

	if v, ok := p.GetInt(client, "port"); ok {
		if v > 0 && v <= 0xffff {
			m.mu.Lock()
			m.remote.Port = uint16(v)
			m.mu.Unlock()
		} else {
			m.log.Warn("ignoring client.port out of range", "port", v)
		}
	}

	if s, ok := p.GetString(client, "type"); ok {
		kind := transport.ParseKind(s)
		m.mu.Lock()
		m.kind = kind
		m.mu.Unlock()
	}

	if s, ok := p.GetString(client, "reconnect_interval"); ok {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			m.log.Warn("ignoring invalid client.reconnect_interval", "value", s)
		} else {
			m.mu.Lock()
			m.reconnectInterval = d
			m.mu.Unlock()
		}
	}

	return nil
}

// truncate clips s to at most limit bytes without splitting a UTF-8
// sequence, logging a warning when it does.
func (m *Manager) truncate(field, s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	m.log.Warn("value truncated", "field", field, "len", len(s), "max", limit)
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
