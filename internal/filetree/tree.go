// Package filetree models the project file tree that participants share
// through the message stream: a flat map from slash-separated relative path
// to file contents.
//
// On the wire a tree uses the mount format understood by browser runtimes:
//
//	{"src/app.js": {"file": {"contents": "..."}}}
//
// Nested {"directory": {...}} nodes and bare string contents are accepted on
// input and flattened.
package filetree

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Tree maps a relative path to file contents.
type Tree map[string]string

// Clone returns a copy that shares nothing with t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Equal reports whether both trees hold the same paths and contents.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Paths returns the tree's paths in lexical order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Has reports whether path is present.
func (t Tree) Has(p string) bool {
	_, ok := t[p]
	return ok
}

// CleanPath validates a tree path and returns its canonical form. Paths must
// be relative and may not escape the tree root.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path %q contains NUL", p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the tree", p)
	}
	return cleaned, nil
}

type wireFile struct {
	Contents string `json:"contents"`
}

type wireNode struct {
	File      *wireFile                  `json:"file,omitempty"`
	Directory map[string]json.RawMessage `json:"directory,omitempty"`
}

// MarshalJSON encodes the tree in mount format.
func (t Tree) MarshalJSON() ([]byte, error) {
	out := make(map[string]wireNode, len(t))
	for p, contents := range t {
		out[p] = wireNode{File: &wireFile{Contents: contents}}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes mount format, flattening directories.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("file tree: %w", err)
	}
	tree := make(Tree)
	if err := flatten(tree, "", raw); err != nil {
		return err
	}
	*t = tree
	return nil
}

func flatten(dst Tree, prefix string, nodes map[string]json.RawMessage) error {
	for name, raw := range nodes {
		full := name
		if prefix != "" {
			full = prefix + "/" + name
		}

		var contents string
		if err := json.Unmarshal(raw, &contents); err == nil {
			dst[full] = contents
			continue
		}

		var node wireNode
		if err := json.Unmarshal(raw, &node); err != nil {
			return fmt.Errorf("file tree entry %q: %w", full, err)
		}
		switch {
		case node.File != nil:
			dst[full] = node.File.Contents
		case node.Directory != nil:
			if err := flatten(dst, full, node.Directory); err != nil {
				return err
			}
		default:
			return fmt.Errorf("file tree entry %q has neither file nor directory", full)
		}
	}
	return nil
}
