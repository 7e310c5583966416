package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pairroom/host/internal/filetree"
)

func TestParseBody(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		kind     BodyKind
		text     string
		treeSize int
	}{
		{"plain text", "hello @ai", BodyText, "hello @ai", 0},
		{"json without tree", `{"text":"hi"}`, BodyText, `{"text":"hi"}`, 0},
		{"broken json", `{"fileTree":`, BodyText, `{"fileTree":`, 0},
		{
			"tree with text",
			`{"text":"here you go","fileTree":{"index.js":{"file":{"contents":"x"}}}}`,
			BodyFileTree, "here you go", 1,
		},
		{"empty tree", `  {"fileTree":{}}`, BodyFileTree, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ParseBody(tt.in)
			if b.Kind != tt.kind {
				t.Fatalf("Kind = %q, want %q", b.Kind, tt.kind)
			}
			if b.Text != tt.text {
				t.Errorf("Text = %q, want %q", b.Text, tt.text)
			}
			if len(b.FileTree) != tt.treeSize {
				t.Errorf("tree size = %d, want %d", len(b.FileTree), tt.treeSize)
			}
		})
	}
}

func TestBodyUnmarshal_ObjectAndString(t *testing.T) {
	var p SendMessagePayload
	if err := json.Unmarshal([]byte(`{"body":"just words"}`), &p); err != nil {
		t.Fatal(err)
	}
	if p.Body.Kind != BodyText || p.Body.Text != "just words" {
		t.Errorf("string body = %+v", p.Body)
	}

	if err := json.Unmarshal([]byte(`{"body":{"fileTree":{"a.txt":"A"}}}`), &p); err != nil {
		t.Fatal(err)
	}
	if !p.Body.IsFileTree() || p.Body.FileTree["a.txt"] != "A" {
		t.Errorf("object body = %+v", p.Body)
	}

	if err := json.Unmarshal([]byte(`{"body":{"text":"only text"}}`), &p); err != nil {
		t.Fatal(err)
	}
	if p.Body.IsFileTree() || p.Body.Text != "only text" {
		t.Errorf("object without tree = %+v", p.Body)
	}

	if err := json.Unmarshal([]byte(`{"body":42}`), &p); err == nil {
		t.Error("numeric body should fail")
	}
}

func TestMessageEncoding(t *testing.T) {
	msg := NewMessage("room-1", Participant{ID: "u1", Handle: "a@example.com"}, TextBody("hi"))
	data, err := json.Marshal(NewMessageEvent(msg))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"type":"message"`, `"body":"hi"`, `"handle":"a@example.com"`, `"roomId":"room-1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded event missing %s: %s", want, s)
		}
	}

	tree := FileTreeBody("done", filetree.Tree{"index.js": "x"})
	data, err = json.Marshal(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"fileTree":{"index.js":{"file":{"contents":"x"}}}`) {
		t.Errorf("tree body encoding = %s", data)
	}
}

func TestNewMessageStampsIDAndTime(t *testing.T) {
	a := NewMessage("r", AIParticipant(), TextBody("x"))
	b := NewMessage("r", AIParticipant(), TextBody("x"))
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if !a.Sender.IsAI() || a.Sender.Handle != "ai" {
		t.Errorf("AI participant = %+v", a.Sender)
	}
}
