// Package tags produces, merges and publishes tags files.
//
// Raw tags come from an external indexer (ctags) run into a temporary file.
// A node's published tags file is its own tags followed by the published
// tags of each direct dependency. Publication always goes through Promote, so
// a reader sees either the previous complete file or the new complete file.
package tags

import (
	"fmt"
	"strings"
)

// Kind is the tags file format.
type Kind string

const (
	KindVi    Kind = "vi"
	KindEmacs Kind = "emacs"
)

// ParseKind validates a tags format name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindVi, "":
		return KindVi, nil
	case KindEmacs:
		return KindEmacs, nil
	default:
		return "", fmt.Errorf("unknown tags kind %q (expected vi or emacs)", s)
	}
}

// Buffer holds a tags file in memory before it is published.
type Buffer struct {
	kind Kind
	data []byte
}

// NewBuffer wraps tags content of the given kind.
func NewBuffer(kind Kind, data []byte) *Buffer {
	return &Buffer{kind: kind, data: data}
}

// Kind returns the buffer's tags format.
func (b *Buffer) Kind() Kind {
	return b.kind
}

// Bytes returns the buffer content. The slice must not be modified.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the content size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}
