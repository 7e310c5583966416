package room

import (
	"sync"

	"github.com/pairroom/host/internal/protocol"
)

// Inspector observes every published chat message after it has been fanned
// out. Implementations must return quickly; long work belongs on their own
// goroutine.
type Inspector interface {
	Inspect(msg protocol.Message)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(msg protocol.Message)

// Inspect calls f(msg).
func (f InspectorFunc) Inspect(msg protocol.Message) { f(msg) }

// Broadcaster publishes messages to a room's current members.
type Broadcaster struct {
	registry *Registry

	mu         sync.RWMutex
	inspectors []Inspector
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// AddInspector registers an inspector. Inspectors are offered messages in
// registration order.
func (b *Broadcaster) AddInspector(i Inspector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inspectors = append(b.inspectors, i)
}

// Publish delivers msg to every connection in msg.Room except the sender's
// own, then offers it to the inspectors. It returns the number of
// connections the message was queued for, or ErrRoomNotFound when the room
// has no members (the message is dropped).
func (b *Broadcaster) Publish(msg protocol.Message) (int, error) {
	n, err := b.registry.deliver(msg.Room, msg.Sender.ID, func(seq uint64) protocol.Event {
		msg.Seq = seq
		return protocol.NewMessageEvent(msg)
	})
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	inspectors := make([]Inspector, len(b.inspectors))
	copy(inspectors, b.inspectors)
	b.mu.RUnlock()

	for _, i := range inspectors {
		i.Inspect(msg)
	}
	return n, nil
}

// Announce delivers a system event to every connection in the room.
// Announcements are not chat messages and are not inspected.
func (b *Broadcaster) Announce(roomID string, ev protocol.Event) (int, error) {
	return b.registry.deliver(roomID, "", func(uint64) protocol.Event { return ev })
}

// Registry returns the registry the broadcaster publishes through.
func (b *Broadcaster) Registry() *Registry { return b.registry }
