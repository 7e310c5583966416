package workspace

import (
	"sync"
	"testing"

	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/room"
)

type staleRecorder struct {
	mu    sync.Mutex
	rooms []string
}

func (r *staleRecorder) MarkStale(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, roomID)
}

type nopMember struct {
	id string
	p  protocol.Participant
}

func (m nopMember) ConnID() string                    { return m.id }
func (m nopMember) Participant() protocol.Participant { return m.p }
func (m nopMember) Deliver(protocol.Event) bool       { return true }

var alice = protocol.Participant{ID: "alice", Handle: "alice@example.com"}

func setup(t *testing.T) (*room.Broadcaster, *room.Registry, *Synchronizer, *staleRecorder) {
	t.Helper()
	reg := room.NewRegistry()
	b := room.NewBroadcaster(reg)
	rec := &staleRecorder{}
	s := NewSynchronizer(reg, rec)
	b.AddInspector(s)
	reg.Join("r1", nopMember{id: "c1", p: alice})
	return b, reg, s, rec
}

func TestSynchronizer_ReplacesSnapshot(t *testing.T) {
	b, _, s, rec := setup(t)

	b.Publish(protocol.NewMessage("r1", alice, protocol.FileTreeBody("", filetree.Tree{"index.js": "v1", "a.txt": "A"})))
	b.Publish(protocol.NewMessage("r1", alice, protocol.FileTreeBody("", filetree.Tree{"index.js": "v2"})))

	got, ok := s.Snapshot("r1")
	if !ok {
		t.Fatal("no snapshot")
	}
	if !got.Equal(filetree.Tree{"index.js": "v2"}) {
		t.Errorf("snapshot = %v; the last tree replaces, never merges", got)
	}
	if len(rec.rooms) != 2 {
		t.Errorf("MarkStale called %d times, want 2", len(rec.rooms))
	}
}

func TestSynchronizer_IgnoresText(t *testing.T) {
	b, _, s, rec := setup(t)
	b.Publish(protocol.NewMessage("r1", alice, protocol.TextBody("just chatting")))

	if _, ok := s.Snapshot("r1"); ok {
		t.Error("text must not create a snapshot")
	}
	if len(rec.rooms) != 0 {
		t.Error("text must not mark the sandbox stale")
	}
}

func TestSynchronizer_IdempotentPayload(t *testing.T) {
	b, _, s, rec := setup(t)
	tree := filetree.Tree{"package.json": "{}", "src/index.js": "x"}

	b.Publish(protocol.NewMessage("r1", alice, protocol.FileTreeBody("", tree)))
	first, _ := s.Snapshot("r1")
	b.Publish(protocol.NewMessage("r1", alice, protocol.FileTreeBody("", tree)))
	second, _ := s.Snapshot("r1")

	if !first.Equal(second) || !second.Equal(tree) {
		t.Errorf("snapshots differ: %v vs %v", first, second)
	}
	if len(rec.rooms) != 1 {
		t.Errorf("identical payload marked stale %d times, want 1", len(rec.rooms))
	}
}

func TestSynchronizer_ParsesTreeFromAITextReply(t *testing.T) {
	b, _, s, _ := setup(t)
	body := protocol.ParseBody(`{"text":"done","fileTree":{"./src/../app.js":{"file":{"contents":"ok"}}}}`)
	b.Publish(protocol.NewMessage("r1", protocol.AIParticipant(), body))

	got, ok := s.Snapshot("r1")
	if !ok || got["app.js"] != "ok" {
		t.Errorf("snapshot = %v; paths should be canonical", got)
	}
}

func TestSynchronizer_RoomGone(t *testing.T) {
	reg := room.NewRegistry()
	rec := &staleRecorder{}
	s := NewSynchronizer(reg, rec)

	s.Inspect(protocol.NewMessage("gone", alice, protocol.FileTreeBody("", filetree.Tree{"a": "b"})))
	if len(rec.rooms) != 0 {
		t.Error("a vanished room must not be marked stale")
	}
}
