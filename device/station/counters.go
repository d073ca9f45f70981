package station

import "go.uber.org/atomic"

// Counters tracks station traffic and link statistics since the last
// Start. All fields are safe for concurrent access.
type Counters struct {
	TxPackets atomic.Uint32 // Payloads handed to the active client
	TxErrors  atomic.Uint32 // Sends the client reported as failed
	RxPackets atomic.Uint32 // Datagrams or stream chunks received
	RxBytes   atomic.Uint64 // Bytes received
	LinkUp    atomic.Uint32 // Addresses acquired
	LinkDown  atomic.Uint32 // Established links lost
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	TxPackets uint32 `json:"tx_packets"`
	TxErrors  uint32 `json:"tx_errors"`
	RxPackets uint32 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	LinkUp    uint32 `json:"link_up"`
	LinkDown  uint32 `json:"link_down"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		TxPackets: c.TxPackets.Load(),
		TxErrors:  c.TxErrors.Load(),
		RxPackets: c.RxPackets.Load(),
		RxBytes:   c.RxBytes.Load(),
		LinkUp:    c.LinkUp.Load(),
		LinkDown:  c.LinkDown.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.TxPackets.Store(0)
	c.TxErrors.Store(0)
	c.RxPackets.Store(0)
	c.RxBytes.Store(0)
	c.LinkUp.Store(0)
	c.LinkDown.Store(0)
}
