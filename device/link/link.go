// Package link defines the wireless link the station drives: a driver that
// associates with an access point and reports link and address events.
package link

import (
	"net/netip"
	"slices"
	"sync"

	"tinygo.org/x/drivers/netlink"
)

// Event is an asynchronous link notification.
type Event int

const (
	// EventStarted is fired once the radio is up in station mode and an
	// association may be requested.
	EventStarted Event = iota
	// EventDisconnected is fired when the association is lost or fails.
	EventDisconnected
	// EventGotAddress is fired when the station acquires an IPv4 address.
	EventGotAddress
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventDisconnected:
		return "disconnected"
	case EventGotAddress:
		return "got-address"
	default:
		return "unknown"
	}
}

// Notification is a link event with its payload.
type Notification struct {
	Event Event
	// Addr is the acquired address for EventGotAddress.
	Addr netip.Addr
}

// Handler receives link notifications. Handlers run on the driver's event
// goroutine and must not block.
type Handler func(n Notification)

// Driver is the link-layer collaborator. Init must precede Start; Deinit
// releases everything Init acquired.
type Driver interface {
	// Init prepares the radio with the station's credentials.
	Init(params *netlink.ConnectParams) error
	// Start brings the radio up. EventStarted follows asynchronously.
	Start() error
	// Connect requests association with the configured access point.
	Connect() error
	// Stop brings the radio down. An established association is reported
	// lost with EventDisconnected.
	Stop() error
	// Deinit releases the driver's resources.
	Deinit() error
	// Subscribe registers fn for the given events, or all events if none
	// are given, and returns a function that removes the registration.
	Subscribe(fn Handler, events ...Event) (unsubscribe func())
}

type subscription struct {
	fn     Handler
	events []Event
}

func (s *subscription) wants(e Event) bool {
	return len(s.events) == 0 || slices.Contains(s.events, e)
}

// Bus fans link notifications out to subscribers. Drivers embed one to
// implement Subscribe.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscription
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers fn for events and returns its removal function.
// Calling the removal function more than once is harmless.
func (b *Bus) Subscribe(fn Handler, events ...Event) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{fn: fn, events: slices.Clone(events)}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers n to every matching subscriber, in subscription order,
// on the calling goroutine.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id, s := range b.subs {
		if s.wants(n.Event) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id].fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(n)
	}
}

// Len returns the number of registered subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
