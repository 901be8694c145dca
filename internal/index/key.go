package index

import (
	"net/url"
	"strings"
)

// Key identifies one version of one logical item within a stream. Text keys
// are (item-id, version-id); revision, inventory and signature keys are
// (version-id,). Keys sort by their joined form, segment by segment.
type Key []string

// NewKey builds a key from its segments.
func NewKey(segments ...string) Key { return Key(segments) }

// VersionID returns the trailing segment, the version identifier.
func (k Key) VersionID() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// ItemID returns the leading segment of a two-segment key, or "".
func (k Key) ItemID() string {
	if len(k) < 2 {
		return ""
	}
	return k[0]
}

// String renders the key with NUL separators, the form indices sort by.
func (k Key) String() string { return strings.Join(k, "\x00") }

// ParseKey reverses String.
func ParseKey(s string) Key { return Key(strings.Split(s, "\x00")) }

// Path renders the key with escaped segments joined by "/", safe for record
// headers and error messages.
func (k Key) Path() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		parts[i] = url.PathEscape(seg)
	}
	return strings.Join(parts, "/")
}

// ParsePath reverses Path.
func ParsePath(s string) (Key, error) {
	parts := strings.Split(s, "/")
	key := make(Key, len(parts))
	for i, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		key[i] = seg
	}
	return key, nil
}

// Equal compares two keys segment by segment.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}
