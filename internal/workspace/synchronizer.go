// Package workspace keeps each room's file tree in step with the message
// stream. Any published message carrying a file-tree body replaces the
// room's snapshot; the newest message in fan-out order wins.
package workspace

import (
	"github.com/rs/zerolog"

	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/protocol"
)

// SnapshotStore holds the per-room snapshot. room.Registry implements it.
type SnapshotStore interface {
	SetSnapshot(roomID string, tree filetree.Tree, seq uint64) error
	Snapshot(roomID string) (filetree.Tree, bool)
}

// StaleNotifier is told when a room's tree changed so a running sandbox can
// remount on its next run request.
type StaleNotifier interface {
	MarkStale(roomID string)
}

// Synchronizer implements room.Inspector.
type Synchronizer struct {
	store    SnapshotStore
	notifier StaleNotifier
	log      zerolog.Logger
}

// NewSynchronizer creates a synchronizer. notifier may be nil.
func NewSynchronizer(store SnapshotStore, notifier StaleNotifier) *Synchronizer {
	return &Synchronizer{store: store, notifier: notifier, log: logging.Component("workspace")}
}

// Inspect applies file-tree bodies; text bodies are ignored.
func (s *Synchronizer) Inspect(msg protocol.Message) {
	if !msg.Body.IsFileTree() {
		return
	}

	tree := make(filetree.Tree, len(msg.Body.FileTree))
	for p, contents := range msg.Body.FileTree {
		clean, err := filetree.CleanPath(p)
		if err != nil {
			// Kept as sent; mounting rejects it with a mount error.
			tree[p] = contents
			continue
		}
		tree[clean] = contents
	}

	if prev, ok := s.store.Snapshot(msg.Room); ok && prev.Equal(tree) {
		return
	}
	if err := s.store.SetSnapshot(msg.Room, tree, msg.Seq); err != nil {
		s.log.Debug().Err(err).Str("room", msg.Room).Msg("snapshot dropped")
		return
	}
	s.log.Info().Str("room", msg.Room).Int("files", len(tree)).Str("from", msg.Sender.ID).Msg("file tree synchronized")

	if s.notifier != nil {
		s.notifier.MarkStale(msg.Room)
	}
}

// Snapshot returns the room's current tree for a run request.
func (s *Synchronizer) Snapshot(roomID string) (filetree.Tree, bool) {
	return s.store.Snapshot(roomID)
}
