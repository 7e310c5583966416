// Package sandbox runs a room's file tree in an ephemeral execution
// environment and reports a preview address once the app is listening.
//
// Each room has at most one session, driven through the states
//
//	idle → mounting → installing → starting → running → stopped
//
// with errored reachable from mounting, installing and starting. A stop from
// any state ends in stopped with no process left running.
package sandbox

import (
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateMounting   State = "mounting"
	StateInstalling State = "installing"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateErrored    State = "errored"
)

// Busy reports whether a run is in progress and not yet serving.
func (s State) Busy() bool {
	return s == StateMounting || s == StateInstalling || s == StateStarting
}

// Live reports whether the state owns processes or an environment.
func (s State) Live() bool {
	return s.Busy() || s == StateRunning
}

// Status is a point-in-time view of a room's session.
type Status struct {
	RoomID     string    `json:"roomId"`
	State      State     `json:"state"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	PreviewURL string    `json:"previewUrl,omitempty"`
	Port       int       `json:"port,omitempty"`
	Manifest   string    `json:"manifest,omitempty"`
	// Stale is set while running when a newer file tree has been synced.
	Stale     bool      `json:"stale"`
	Output    []string  `json:"output,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Observer receives session events. Calls must not block.
type Observer interface {
	// StatusChanged is called on every state change, in order.
	StatusChanged(st Status)
	// Output is called for each chunk a process writes.
	Output(roomID, process, chunk string)
}
