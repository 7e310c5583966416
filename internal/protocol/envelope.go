package protocol

import (
	"encoding/json"
)

// EventType identifies the kind of envelope sent over WebSocket.
type EventType string

const (
	// EventMessage carries a chat message in both directions.
	// Client payload: SendMessagePayload. Server payload: Message.
	EventMessage EventType = "message"

	// EventSandboxRun asks the orchestrator to run the room's current tree.
	EventSandboxRun EventType = "sandbox.run"

	// EventSandboxStop stops the room's sandbox.
	EventSandboxStop EventType = "sandbox.stop"

	// EventSandboxStatus is a status request from clients and a state
	// update from the server.
	EventSandboxStatus EventType = "sandbox.status"

	// EventSandboxOutput streams install and start output.
	EventSandboxOutput EventType = "sandbox.output"

	// EventRoomJoined is sent once to a connection after admission.
	// Payload: RoomJoinedPayload
	EventRoomJoined EventType = "room.joined"

	// EventRoomPresence tells the room its participant list changed.
	// Payload: PresencePayload
	EventRoomPresence EventType = "room.presence"

	// EventError reports a failed request. Payload: ErrorPayload
	EventError EventType = "error"
)

// Event is an outbound envelope. Payload is marshaled as-is.
type Event struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id,omitempty"`
	Payload any       `json:"payload"`
}

// Inbound is a client envelope whose payload is decoded per type.
type Inbound struct {
	Type    EventType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessagePayload is what a client sends with EventMessage. Sender and
// timestamp are always stamped by the server.
type SendMessagePayload struct {
	Body Body `json:"body"`
}

// RoomJoinedPayload greets a newly admitted connection.
type RoomJoinedPayload struct {
	RoomID       string        `json:"roomId"`
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
	// Snapshot is the room's latest file tree, when one has been synced.
	Snapshot any `json:"snapshot,omitempty"`
	Sandbox  any `json:"sandbox,omitempty"`
}

// PresencePayload lists the room's current participants.
type PresencePayload struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

// ErrorPayload carries a coded error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SandboxOutputPayload is one chunk of process output.
type SandboxOutputPayload struct {
	RoomID  string `json:"roomId"`
	Process string `json:"process"`
	Chunk   string `json:"chunk"`
}

// NewMessageEvent wraps a chat message.
func NewMessageEvent(msg Message) Event {
	return Event{Type: EventMessage, ID: msg.ID, Payload: msg}
}

// NewErrorEvent creates an error event, optionally correlated to a request id.
func NewErrorEvent(requestID, code, message string) Event {
	return Event{Type: EventError, ID: requestID, Payload: ErrorPayload{Code: code, Message: message}}
}

// NewPresenceEvent lists a room's participants.
func NewPresenceEvent(roomID string, participants []Participant) Event {
	return Event{Type: EventRoomPresence, Payload: PresencePayload{RoomID: roomID, Participants: participants}}
}
