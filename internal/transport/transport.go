// Package transport defines the blob capability the pack layer stores bytes
// through: append-only writers, batched range reads, atomic writes and
// renames. Any local or remote backend satisfying Transport works; the
// round-trip unit the packer optimizes for is one ReadRanges call.
package transport

import (
	"context"
	"io"
)

// Range selects Length bytes starting at Offset within a blob.
type Range struct {
	Offset int64
	Length int64
}

// Buffer is one completed range read. Completion order is not guaranteed to
// match request order; callers match results by Offset.
type Buffer struct {
	Offset int64
	Data   []byte
}

// AppendWriter appends to a blob and reports the running offset.
type AppendWriter interface {
	io.Writer
	// Offset returns the byte position the next Write will land at.
	Offset() int64
	Close() error
}

// Transport is the storage capability required by packs. Names may contain
// slashes; implementations create intermediate directories as needed.
type Transport interface {
	// OpenAppend opens name for appending, creating it if absent.
	OpenAppend(name string) (AppendWriter, error)

	// ReadRanges performs one batched read of many ranges from one blob.
	// It is the single round trip the pack layer counts.
	ReadRanges(ctx context.Context, name string, ranges []Range) ([]Buffer, error)

	// Put atomically replaces the contents of name.
	Put(name string, data []byte) error

	// Get reads an entire blob.
	Get(name string) ([]byte, error)

	// Rename atomically moves a blob, replacing any existing target.
	Rename(oldName, newName string) error

	// Delete removes a blob.
	Delete(name string) error

	// Exists checks whether a blob is present.
	Exists(name string) bool

	// List returns the names directly under dir, sorted.
	List(dir string) ([]string, error)
}
