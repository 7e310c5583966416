package room

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/protocol"
)

type fakeMember struct {
	conn string
	p    protocol.Participant

	mu     sync.Mutex
	events []protocol.Event
	full   bool
}

func newMember(conn, participant string) *fakeMember {
	return &fakeMember{conn: conn, p: protocol.Participant{ID: participant, Handle: participant + "@example.com"}}
}

func (m *fakeMember) ConnID() string                    { return m.conn }
func (m *fakeMember) Participant() protocol.Participant { return m.p }

func (m *fakeMember) Deliver(ev protocol.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.events = append(m.events, ev)
	return true
}

func (m *fakeMember) messages() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Message
	for _, ev := range m.events {
		if msg, ok := ev.Payload.(protocol.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

func ids(ps []protocol.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestJoin_IdempotentAndOrdered(t *testing.T) {
	reg := NewRegistry()
	a := newMember("c1", "alice")
	b := newMember("c2", "bob")

	if got := ids(reg.Join("r1", a)); fmt.Sprint(got) != "[alice]" {
		t.Errorf("first join = %v", got)
	}
	reg.Join("r1", b)
	if got := ids(reg.Join("r1", a)); fmt.Sprint(got) != "[alice bob]" {
		t.Errorf("rejoin should not duplicate or reorder: %v", got)
	}

	// A second tab of alice does not add a participant.
	reg.Join("r1", newMember("c3", "alice"))
	if got := ids(reg.Members("r1")); fmt.Sprint(got) != "[alice bob]" {
		t.Errorf("members = %v", got)
	}
}

func TestLeave_EmptiesRoomExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	var fired []string
	reg.OnEmpty(func(id string) { fired = append(fired, id) })

	a := newMember("c1", "alice")
	a2 := newMember("c2", "alice")
	b := newMember("c3", "bob")
	reg.Join("r1", a)
	reg.Join("r1", a2)
	reg.Join("r1", b)
	if err := reg.SetSnapshot("r1", filetree.Tree{"a.txt": "A"}, 1); err != nil {
		t.Fatal(err)
	}

	if _, emptied := reg.Leave("r1", a); emptied {
		t.Fatal("alice still has a connection")
	}
	if got := ids(reg.Members("r1")); fmt.Sprint(got) != "[alice bob]" {
		t.Errorf("members after one tab closed = %v", got)
	}
	reg.Leave("r1", a2)
	if _, emptied := reg.Leave("r1", b); !emptied {
		t.Fatal("last leave should empty the room")
	}
	// Leaving again must not fire the hook a second time.
	reg.Leave("r1", b)

	if len(fired) != 1 || fired[0] != "r1" {
		t.Errorf("OnEmpty fired %v, want [r1]", fired)
	}
	if reg.Exists("r1") {
		t.Error("room should be discarded")
	}
	if _, ok := reg.Snapshot("r1"); ok {
		t.Error("snapshot should be discarded with the room")
	}

	// Rejoining creates a fresh room, and its emptying fires again.
	reg.Join("r1", b)
	if _, ok := reg.Snapshot("r1"); ok {
		t.Error("fresh room must not inherit the old snapshot")
	}
	reg.Leave("r1", b)
	if len(fired) != 2 {
		t.Errorf("OnEmpty fired %d times, want 2", len(fired))
	}
}

func TestLeave_UnknownRoom(t *testing.T) {
	reg := NewRegistry()
	if rem, emptied := reg.Leave("nope", newMember("c", "x")); rem != nil || emptied {
		t.Errorf("Leave(unknown) = %v, %v", rem, emptied)
	}
}

func TestSnapshot_LastWriteWinsBySeq(t *testing.T) {
	reg := NewRegistry()
	reg.Join("r1", newMember("c1", "alice"))

	if err := reg.SetSnapshot("r1", filetree.Tree{"v": "2"}, 2); err != nil {
		t.Fatal(err)
	}
	// An older message processed late does not clobber the newer tree.
	reg.SetSnapshot("r1", filetree.Tree{"v": "1"}, 1)
	got, ok := reg.Snapshot("r1")
	if !ok || got["v"] != "2" {
		t.Errorf("snapshot = %v, want v=2", got)
	}

	got["v"] = "mutated"
	again, _ := reg.Snapshot("r1")
	if again["v"] != "2" {
		t.Error("Snapshot must return a copy")
	}

	if err := reg.SetSnapshot("missing", filetree.Tree{}, 1); err != ErrRoomNotFound {
		t.Errorf("SetSnapshot(missing) = %v", err)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry()
	var empties atomic.Int32
	reg.OnEmpty(func(string) { empties.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newMember(fmt.Sprintf("c%d", i), fmt.Sprintf("p%d", i))
			room := fmt.Sprintf("r%d", i%5)
			reg.Join(room, m)
			reg.Leave(room, m)
		}(i)
	}
	wg.Wait()

	if len(reg.Rooms()) != 0 {
		t.Errorf("rooms left behind: %v", reg.Rooms())
	}
	if empties.Load() < 5 {
		t.Errorf("OnEmpty fired %d times, want at least once per room", empties.Load())
	}
}

func TestJoinWith_GreetingPrecedesFanOut(t *testing.T) {
	reg := NewRegistry()
	alice := newMember("c1", "alice")
	reg.Join("r1", alice)
	if err := reg.SetSnapshot("r1", filetree.Tree{"main.go": "package main"}, 1); err != nil {
		t.Fatal(err)
	}

	bob := newMember("c2", "bob")
	var gotParticipants []string
	var gotSnapshot filetree.Tree
	reg.JoinWith("r1", bob, func(ps []protocol.Participant, snap filetree.Tree) protocol.Event {
		gotParticipants = ids(ps)
		gotSnapshot = snap
		return protocol.Event{Type: protocol.EventRoomJoined}
	})
	NewBroadcaster(reg).Publish(protocol.NewMessage("r1", alice.p, protocol.TextBody("hi")))

	if len(gotParticipants) != 2 || gotParticipants[1] != "bob" {
		t.Errorf("greeting participants = %v", gotParticipants)
	}
	if gotSnapshot["main.go"] != "package main" {
		t.Errorf("greeting snapshot = %v", gotSnapshot)
	}

	bob.mu.Lock()
	defer bob.mu.Unlock()
	if len(bob.events) != 2 || bob.events[0].Type != protocol.EventRoomJoined || bob.events[1].Type != protocol.EventMessage {
		t.Errorf("bob events = %+v", bob.events)
	}
}
