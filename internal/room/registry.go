// Package room tracks which participants are connected to which project room
// and fans messages out to them.
//
// Each room has its own lock. Joins, leaves and fan-out for a room are
// serialized under it, so a participant recorded as gone never receives a
// later message and a joining participant sees either all or none of a
// concurrent fan-out. Rooms never contend with each other.
package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/protocol"
)

// ErrRoomNotFound is returned when addressing a room with no members.
var ErrRoomNotFound = errors.New("room not found")

// Member is one admitted connection.
type Member interface {
	// ConnID uniquely identifies the connection.
	ConnID() string
	// Participant is the admitted identity behind the connection.
	Participant() protocol.Participant
	// Deliver queues an event without blocking and reports whether it was
	// accepted.
	Deliver(ev protocol.Event) bool
}

type presence struct {
	participant protocol.Participant
	conns       map[string]Member
	joinSeq     uint64
}

type room struct {
	id       string
	mu       sync.Mutex
	members  map[string]*presence
	joins    uint64
	seq      uint64
	snapshot filetree.Tree
	snapSeq  uint64
	closed   bool
}

func (r *room) participantsLocked() []protocol.Participant {
	ps := make([]*presence, 0, len(r.members))
	for _, p := range r.members {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinSeq < ps[j].joinSeq })

	out := make([]protocol.Participant, len(ps))
	for i, p := range ps {
		out[i] = p.participant
	}
	return out
}

// Registry maps room ids to live rooms. A room exists from its first join
// until its last member leaves.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	onEmpty func(roomID string)
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		log:   logging.Component("registry"),
	}
}

// OnEmpty sets the hook called once each time a room loses its last member.
// The hook runs after the room's lock is released.
func (r *Registry) OnEmpty(fn func(roomID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = fn
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*presence)}
		r.rooms[roomID] = rm
		r.log.Debug().Str("room", roomID).Msg("room created")
	}
	return rm
}

func (r *Registry) get(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// Join adds m to the room, creating the room if needed, and returns the
// room's participants in join order. Joining again with a connection that
// is already present changes nothing.
func (r *Registry) Join(roomID string, m Member) []protocol.Participant {
	return r.JoinWith(roomID, m, nil)
}

// Greeting builds the first event a joining connection receives from the
// room's participants and current snapshot (nil if none).
type Greeting func(participants []protocol.Participant, snapshot filetree.Tree) protocol.Event

// JoinWith is Join, but first delivers greet's event to m under the room
// lock, so no fan-out can reach m ahead of it. greet must not block.
func (r *Registry) JoinWith(roomID string, m Member, greet Greeting) []protocol.Participant {
	for {
		rm := r.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the last leave; the next lookup creates a fresh room.
			rm.mu.Unlock()
			continue
		}

		p := m.Participant()
		pr, ok := rm.members[p.ID]
		if !ok {
			rm.joins++
			pr = &presence{participant: p, conns: make(map[string]Member), joinSeq: rm.joins}
			rm.members[p.ID] = pr
			r.log.Info().Str("room", roomID).Str("participant", p.ID).Msg("participant joined")
		}
		pr.conns[m.ConnID()] = m
		participants := rm.participantsLocked()
		if greet != nil {
			var snap filetree.Tree
			if rm.snapshot != nil {
				snap = rm.snapshot.Clone()
			}
			m.Deliver(greet(participants, snap))
		}
		rm.mu.Unlock()
		return participants
	}
}

// Leave removes the connection m. The participant leaves once its last
// connection is gone; the room is discarded, along with its snapshot, once
// its last participant is gone. Leave reports whether this call emptied the
// room.
func (r *Registry) Leave(roomID string, m Member) (remaining []protocol.Participant, emptied bool) {
	rm := r.get(roomID)
	if rm == nil {
		return nil, false
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil, false
	}

	p := m.Participant()
	if pr, ok := rm.members[p.ID]; ok {
		delete(pr.conns, m.ConnID())
		if len(pr.conns) == 0 {
			delete(rm.members, p.ID)
			r.log.Info().Str("room", roomID).Str("participant", p.ID).Msg("participant left")
		}
	}

	if len(rm.members) == 0 {
		rm.closed = true
		rm.snapshot = nil
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		hook := r.onEmpty
		r.mu.Unlock()
		rm.mu.Unlock()

		r.log.Info().Str("room", roomID).Msg("room empty, discarded")
		if hook != nil {
			hook(roomID)
		}
		return nil, true
	}

	remaining = rm.participantsLocked()
	rm.mu.Unlock()
	return remaining, false
}

// Members returns the room's participants in join order, or nil if the room
// does not exist.
func (r *Registry) Members(roomID string) []protocol.Participant {
	rm := r.get(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	return rm.participantsLocked()
}

// Exists reports whether the room currently has members.
func (r *Registry) Exists(roomID string) bool {
	return r.get(roomID) != nil
}

// Rooms returns the ids of all live rooms.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetSnapshot replaces the room's file tree if seq is newer than the
// message that produced the current one. seq is the room sequence number
// assigned during fan-out.
func (r *Registry) SetSnapshot(roomID string, tree filetree.Tree, seq uint64) error {
	rm := r.get(roomID)
	if rm == nil {
		return ErrRoomNotFound
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrRoomNotFound
	}
	if rm.snapshot != nil && seq < rm.snapSeq {
		return nil
	}
	rm.snapshot = tree.Clone()
	rm.snapSeq = seq
	return nil
}

// Snapshot returns a copy of the room's latest file tree.
func (r *Registry) Snapshot(roomID string) (filetree.Tree, bool) {
	rm := r.get(roomID)
	if rm == nil {
		return nil, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || rm.snapshot == nil {
		return nil, false
	}
	return rm.snapshot.Clone(), true
}

// deliver fans an event out to every connection in the room except those
// of excludeID. build is called under the room lock with the room's next
// sequence number.
func (r *Registry) deliver(roomID, excludeID string, build func(seq uint64) protocol.Event) (int, error) {
	rm := r.get(roomID)
	if rm == nil {
		return 0, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return 0, ErrRoomNotFound
	}

	rm.seq++
	ev := build(rm.seq)

	delivered := 0
	for pid, pr := range rm.members {
		if pid == excludeID {
			continue
		}
		for _, m := range pr.conns {
			if m.Deliver(ev) {
				delivered++
			} else {
				r.log.Warn().Str("room", roomID).Str("conn", m.ConnID()).Msg("send queue full, dropping event")
			}
		}
	}
	return delivered, nil
}
