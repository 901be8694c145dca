package errors

import (
	"errors"
	"fmt"
	"strings"
)

// FormatError signals a malformed token stream or record. It indicates
// storage corruption and is never retryable.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string {
	return "format error: " + e.Msg
}

// Formatf builds a FormatError from a format string.
func Formatf(format string, args ...any) *FormatError {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// IsFormat reports whether err is (or wraps) a FormatError.
func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// RevisionNotPresent names a key that a filtered copy required but that no
// source pack contains.
type RevisionNotPresent struct {
	ItemID    string
	VersionID string
}

func (e *RevisionNotPresent) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("revision %q not present", e.VersionID)
	}
	return fmt.Sprintf("revision %q of %q not present", e.VersionID, e.ItemID)
}

// DanglingReferences is raised when a freshly assembled pack contains
// records whose delta basis lies outside the pack's own keyspace.
type DanglingReferences struct {
	Stream string
	Keys   []string
}

func (e *DanglingReferences) Error() string {
	return fmt.Sprintf("%s index references missing compression parents: %s",
		e.Stream, strings.Join(e.Keys, ", "))
}

// PackVanished wraps a read failure caused by a source pack disappearing
// mid-copy, typically because a concurrent repack obsoleted it. The caller
// gets exactly one reload-and-retry before this propagates.
type PackVanished struct {
	Pack string
	Err  error
}

func (e *PackVanished) Error() string {
	return fmt.Sprintf("source pack %s vanished: %v", e.Pack, e.Err)
}

func (e *PackVanished) Unwrap() error { return e.Err }

var (
	// ErrWriteGroupActive is returned when an operation requires exclusive
	// use of the upload area but a write group already holds it.
	ErrWriteGroupActive = errors.New("a new pack is already being written")

	// ErrNoWriteGroup is returned by mutations attempted outside a write group.
	ErrNoWriteGroup = errors.New("no write group active")

	// ErrRepositoryLocked is returned when the repository write lock is
	// already held by another process.
	ErrRepositoryLocked = errors.New("repository is locked for writing")

	// ErrKeyExists is returned when adding a key that is already stored.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned for lookups of absent keys.
	ErrKeyNotFound = errors.New("key not found")
)
