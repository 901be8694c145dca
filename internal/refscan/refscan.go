// Package refscan extracts (item-id, version-id) references from decoded
// inventory records. It is a textual pattern scan, not a structural parse:
// the inventory codec proper lives outside this engine, and the pack layer
// only needs to know which text keys an inventory mentions.
package refscan

import (
	"regexp"
	"strconv"
	"strings"

	errs "loom/internal/errors"
)

// Ref is one text-key reference found in an inventory.
type Ref struct {
	ItemID    string
	VersionID string
}

var refPattern = regexp.MustCompile(`file_id="([^"]+)".* revision="([^"]+)"`)

// EntityCache memoizes entity unescaping of scanned attribute values. It is
// explicit, passed-in state: scanners sharing a cache share its hits, and
// nothing lives at process scope.
type EntityCache struct {
	seen map[string]string
}

func NewEntityCache() *EntityCache {
	return &EntityCache{seen: make(map[string]string)}
}

func (c *EntityCache) unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '&') {
		return s, nil
	}
	if cached, ok := c.seen[s]; ok {
		return cached, nil
	}
	out, err := unescapeEntities(s)
	if err != nil {
		return "", err
	}
	c.seen[s] = out
	return out, nil
}

func unescapeEntities(s string) (string, error) {
	var b strings.Builder
	for {
		amp := strings.IndexByte(s, '&')
		if amp < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:amp])
		s = s[amp:]
		semi := strings.IndexByte(s, ';')
		if semi < 0 {
			return "", errs.Formatf("unterminated entity in %q", s)
		}
		entity := s[1:semi]
		switch entity {
		case "amp":
			b.WriteByte('&')
		case "lt":
			b.WriteByte('<')
		case "gt":
			b.WriteByte('>')
		case "quot":
			b.WriteByte('"')
		case "apos":
			b.WriteByte('\'')
		default:
			if !strings.HasPrefix(entity, "#") {
				return "", errs.Formatf("unknown entity &%s;", entity)
			}
			code, err := strconv.ParseInt(entity[1:], 10, 32)
			if err != nil {
				return "", errs.Formatf("bad numeric entity &%s;", entity)
			}
			b.WriteRune(rune(code))
		}
		s = s[semi+1:]
	}
}

// Scanner finds text-key references in inventory lines.
type Scanner struct {
	cache *EntityCache
}

func NewScanner(cache *EntityCache) *Scanner {
	if cache == nil {
		cache = NewEntityCache()
	}
	return &Scanner{cache: cache}
}

// Scan returns every reference found in the given lines, in encounter
// order, duplicates included. Callers aggregate across records themselves.
func (s *Scanner) Scan(lines []string) ([]Ref, error) {
	var refs []Ref
	for _, line := range lines {
		m := refPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item, err := s.cache.unescape(m[1])
		if err != nil {
			return nil, err
		}
		version, err := s.cache.unescape(m[2])
		if err != nil {
			return nil, err
		}
		refs = append(refs, Ref{ItemID: item, VersionID: version})
	}
	return refs, nil
}
