package filetree

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestUnmarshal_MountFormat(t *testing.T) {
	data := `{
		"package.json": {"file": {"contents": "{\"name\":\"demo\"}"}},
		"src": {"directory": {
			"index.js": {"file": {"contents": "console.log(1)"}},
			"lib": {"directory": {"util.js": {"file": {"contents": ""}}}}
		}},
		"README.md": "plain string contents"
	}`

	var tree Tree
	if err := json.Unmarshal([]byte(data), &tree); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := Tree{
		"package.json":    `{"name":"demo"}`,
		"src/index.js":    "console.log(1)",
		"src/lib/util.js": "",
		"README.md":       "plain string contents",
	}
	if !tree.Equal(want) {
		t.Errorf("tree = %v, want %v", tree, want)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := map[string]string{
		"not an object": `["a"]`,
		"empty node":    `{"a.txt": {}}`,
		"bad file":      `{"a.txt": {"file": "nope"}}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			var tree Tree
			if err := json.Unmarshal([]byte(data), &tree); err == nil {
				t.Errorf("expected error, got %v", tree)
			}
		})
	}
}

func TestMarshal_RoundTripsThroughMountFormat(t *testing.T) {
	tree := Tree{"index.js": "x", "a/b.txt": "y"}
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"index.js":{"file":{"contents":"x"}}`) {
		t.Errorf("unexpected encoding: %s", data)
	}

	var back Tree
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(tree) {
		t.Errorf("round trip = %v", back)
	}
}

func TestCleanPath(t *testing.T) {
	good := map[string]string{
		"index.js":        "index.js",
		"src/./app.js":    "src/app.js",
		"src\\win.js":     "src/win.js",
		"a/b/../c.txt":    "a/c.txt",
		"deep/dir/f.json": "deep/dir/f.json",
	}
	for in, want := range good {
		got, err := CleanPath(in)
		if err != nil {
			t.Errorf("CleanPath(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}

	bad := []string{"", "  ", "/etc/passwd", "../x", "a/../../x", ".", "..", "a\x00b"}
	for _, in := range bad {
		if _, err := CleanPath(in); err == nil {
			t.Errorf("CleanPath(%q) should fail", in)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Tree{"a": "1"}
	c := orig.Clone()
	c["a"] = "2"
	c["b"] = "3"
	if orig["a"] != "1" || orig.Has("b") {
		t.Errorf("clone mutated original: %v", orig)
	}
	if Tree(nil).Clone() != nil {
		t.Error("nil clone should stay nil")
	}
}

func TestPathsSorted(t *testing.T) {
	got := Tree{"b": "", "a/z": "", "a/b": ""}.Paths()
	want := []string{"a/b", "a/z", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Paths() = %v, want %v", got, want)
		}
	}
}
