// Package protocol defines the room-level data model shared by the broker
// components (participants, messages and their bodies) and the envelope that
// carries them over WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pairroom/host/internal/filetree"
)

// AIParticipantID is the fixed id of the assistant. It is never admitted
// through the gatekeeper and only ever appears as a message sender.
const AIParticipantID = "ai"

// Participant identifies a message sender. For people the id is the
// credential subject and the handle is their email.
type Participant struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// AIParticipant returns the synthetic assistant participant.
func AIParticipant() Participant {
	return Participant{ID: AIParticipantID, Handle: AIParticipantID}
}

// IsAI reports whether p is the assistant.
func (p Participant) IsAI() bool { return p.ID == AIParticipantID }

// BodyKind discriminates a message body.
type BodyKind string

const (
	BodyText     BodyKind = "text"
	BodyFileTree BodyKind = "filetree"
)

// Body is either plain text or a file-tree synchronization payload, decided
// once when the message is constructed.
type Body struct {
	Kind BodyKind
	// Text is the message text; for file-tree bodies it is the optional
	// explanation that travels with the tree.
	Text string
	// FileTree is set only for BodyFileTree.
	FileTree filetree.Tree
}

// TextBody returns a plain text body.
func TextBody(text string) Body {
	return Body{Kind: BodyText, Text: text}
}

// FileTreeBody returns a file-tree body with optional accompanying text.
func FileTreeBody(text string, tree filetree.Tree) Body {
	return Body{Kind: BodyFileTree, Text: text, FileTree: tree}
}

// IsFileTree reports whether the body carries a tree.
func (b Body) IsFileTree() bool { return b.Kind == BodyFileTree }

type structuredBody struct {
	Text     string        `json:"text"`
	FileTree filetree.Tree `json:"fileTree,omitempty"`
}

// ParseBody builds a body from raw text. Text that is a JSON object with a
// fileTree member becomes a file-tree body; anything else stays text. Clients
// and the assistant both send trees this way.
func ParseBody(text string) Body {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return TextBody(text)
	}
	var sb structuredBody
	if err := json.Unmarshal([]byte(trimmed), &sb); err != nil || sb.FileTree == nil {
		return TextBody(text)
	}
	return FileTreeBody(sb.Text, sb.FileTree)
}

// MarshalJSON writes text bodies as a JSON string and file-tree bodies as
// {"text": ..., "fileTree": {...}}.
func (b Body) MarshalJSON() ([]byte, error) {
	if b.Kind == BodyFileTree {
		return json.Marshal(structuredBody{Text: b.Text, FileTree: b.FileTree})
	}
	return json.Marshal(b.Text)
}

// UnmarshalJSON accepts a string (parsed with ParseBody) or an object.
func (b *Body) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = ParseBody(s)
		return nil
	}
	var sb structuredBody
	if err := json.Unmarshal(data, &sb); err != nil {
		return fmt.Errorf("message body: %w", err)
	}
	if sb.FileTree == nil {
		*b = TextBody(sb.Text)
		return nil
	}
	*b = FileTreeBody(sb.Text, sb.FileTree)
	return nil
}

// Message is one chat message inside a room.
type Message struct {
	ID        string      `json:"id"`
	Room      string      `json:"roomId"`
	Sender    Participant `json:"sender"`
	Body      Body        `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
	// Seq is the room-local fan-out order, assigned when the message is
	// published.
	Seq uint64 `json:"seq"`
}

// NewMessage stamps a fresh id and the current time.
func NewMessage(room string, sender Participant, body Body) Message {
	return Message{
		ID:        uuid.NewString(),
		Room:      room,
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}
