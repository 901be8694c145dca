// Package knit is the production form of the line-delta store: instead of
// one interleaved token stream per item, every version is an out-of-line
// record in a pack, either a fulltext or a line-delta against its leftmost
// parent, addressed through the graph indices. The logical contract
// (diff against a chosen basis, reconstruct by walking the chain) matches
// the weave; only the physical layout differs.
package knit

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"loom/internal/diff"
	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/pack"
	"loom/internal/record"
)

// Annotation pairs a line with the key of the version that introduced it.
type Annotation struct {
	Origin index.Key
	Line   string
}

// Store is the versioned-files facade for one stream. Reads resolve
// through a RecordSource; writes append to the pack returned by sink, so
// the same Store serves both normal write groups and reconcile output.
type Store struct {
	stream string
	source pack.RecordSource
	sink   func() (*pack.NewPack, error)
	codec  *record.Codec
	engine *diff.Engine
	logger *zap.Logger

	// maxDeltaChain bounds reconstruction cost; zero forces fulltexts,
	// the right choice for small, randomly accessed records.
	maxDeltaChain int

	cache *lru.Cache[string, []string]
}

func New(stream string, source pack.RecordSource, sink func() (*pack.NewPack, error),
	codec *record.Codec, maxDeltaChain int, logger *zap.Logger) (*Store, error) {
	cache, err := lru.New[string, []string](512)
	if err != nil {
		return nil, fmt.Errorf("creating fulltext cache: %w", err)
	}
	return &Store{
		stream:        stream,
		source:        source,
		sink:          sink,
		codec:         codec,
		engine:        diff.NewEngine(),
		logger:        logger,
		maxDeltaChain: maxDeltaChain,
		cache:         cache,
	}, nil
}

// Stream returns the stream this store serves.
func (s *Store) Stream() string { return s.stream }

// Has reports whether key is stored.
func (s *Store) Has(key index.Key) bool {
	_, _, err := s.source.CombinedIndex(s.stream).Get(key)
	return err == nil
}

// AddLines stores a new version. The basis, when a delta is worthwhile, is
// always the leftmost parent.
func (s *Store) AddLines(ctx context.Context, key index.Key, parents []index.Key, lines []string) error {
	np, err := s.sink()
	if err != nil {
		return err
	}
	if s.Has(key) {
		return fmt.Errorf("adding %s to %s: %w", key.Path(), s.stream, errs.ErrKeyExists)
	}

	kind := record.Fulltext
	payload := record.EncodeLines(lines)
	var compressionParent index.Key

	if len(parents) > 0 && s.maxDeltaChain > 0 {
		basis := parents[0]
		if length, ok, err := s.chainLength(basis); err != nil {
			return err
		} else if ok && length < s.maxDeltaChain {
			basisLines, err := s.Get(ctx, basis)
			if err != nil {
				return fmt.Errorf("reading delta basis %s: %w", basis.Path(), err)
			}
			kind = record.LineDelta
			payload = record.EncodeDelta(s.engine.Opcodes(basisLines, lines), lines)
			compressionParent = basis
		}
	}

	raw, err := s.codec.Encode(kind, key, payload)
	if err != nil {
		return err
	}
	offset, length, err := np.AddRecord(raw)
	if err != nil {
		return err
	}
	if err := np.Index(s.stream).AddNode(key,
		index.FormatValue(eolFlag(lines), offset, length), parents, compressionParent); err != nil {
		return err
	}
	s.cache.Add(key.String(), append([]string(nil), lines...))
	return nil
}

// eolFlag records in the index whether the version's final line lacks a
// trailing newline.
func eolFlag(lines []string) byte {
	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		return 'N'
	}
	return ' '
}

// chainLength counts the delta chain below key. ok is false when key is not
// stored at all, which forces the caller onto the fulltext path.
func (s *Store) chainLength(key index.Key) (int, bool, error) {
	combined := s.source.CombinedIndex(s.stream)
	length := 0
	current := key
	for {
		entry, _, err := combined.Get(current)
		if err == errs.ErrKeyNotFound {
			if length == 0 {
				return 0, false, nil
			}
			return 0, false, errs.Formatf("delta chain of %s broken at %s",
				key.Path(), current.Path())
		}
		if err != nil {
			return 0, false, err
		}
		if entry.CompressionParent == nil {
			return length, true, nil
		}
		length++
		if length > s.maxDeltaChain {
			// longer than any chain we would ever write
			return length, true, nil
		}
		current = entry.CompressionParent
	}
}

// Get reconstructs the full text of key by walking its delta chain.
func (s *Store) Get(ctx context.Context, key index.Key) ([]string, error) {
	if lines, ok := s.cache.Get(key.String()); ok {
		return append([]string(nil), lines...), nil
	}

	raw, entry, err := s.source.ReadRecord(ctx, s.stream, key)
	if err != nil {
		return nil, err
	}
	header, payload, err := s.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !header.Key.Equal(key) {
		return nil, errs.Formatf("record for %s claims key %s", key.Path(), header.Key.Path())
	}

	var lines []string
	switch header.Kind {
	case record.Fulltext:
		lines = record.DecodeLines(payload)
	case record.LineDelta:
		if entry.CompressionParent == nil {
			return nil, errs.Formatf("delta record %s has no basis in index", key.Path())
		}
		basis, err := s.Get(ctx, entry.CompressionParent)
		if err != nil {
			return nil, err
		}
		lines, err = record.ApplyDelta(basis, payload)
		if err != nil {
			return nil, err
		}
	}
	flag, _, _, err := entry.Position()
	if err != nil {
		return nil, err
	}
	if (flag == 'N') != (eolFlag(lines) == 'N') {
		return nil, errs.Formatf("record %s disagrees with its index on the final newline", key.Path())
	}
	s.cache.Add(key.String(), append([]string(nil), lines...))
	return lines, nil
}

// Annotate reconstructs key as (origin, line) pairs. Lines a delta carries
// over from its basis keep the basis' origins; a fulltext's lines are all
// attributed to its own version.
func (s *Store) Annotate(ctx context.Context, key index.Key) ([]Annotation, error) {
	raw, entry, err := s.source.ReadRecord(ctx, s.stream, key)
	if err != nil {
		return nil, err
	}
	header, payload, err := s.codec.Decode(raw)
	if err != nil {
		return nil, err
	}

	if header.Kind == record.Fulltext {
		lines := record.DecodeLines(payload)
		annotations := make([]Annotation, len(lines))
		for i, line := range lines {
			annotations[i] = Annotation{Origin: key, Line: line}
		}
		return annotations, nil
	}

	if entry.CompressionParent == nil {
		return nil, errs.Formatf("delta record %s has no basis in index", key.Path())
	}
	basis, err := s.Annotate(ctx, entry.CompressionParent)
	if err != nil {
		return nil, err
	}
	hunks, err := record.ParseDelta(payload)
	if err != nil {
		return nil, err
	}
	var result []Annotation
	pos := 0
	for _, h := range hunks {
		if h.Start < pos || h.End > len(basis) {
			return nil, errs.Formatf("delta hunk [%d,%d) out of order or beyond basis length %d",
				h.Start, h.End, len(basis))
		}
		result = append(result, basis[pos:h.Start]...)
		for _, line := range h.Lines {
			result = append(result, Annotation{Origin: key, Line: line})
		}
		pos = h.End
	}
	result = append(result, basis[pos:]...)
	return result, nil
}

// GetParentMap returns the recorded parents of each stored key requested.
func (s *Store) GetParentMap(keys []Key) (map[string][]index.Key, error) {
	return s.source.CombinedIndex(s.stream).ParentMap(keys)
}

// Key re-exported for convenience of callers holding only a knit store.
type Key = index.Key

// KeyCount returns the number of distinct keys in the stream.
func (s *Store) KeyCount() (int, error) {
	return s.source.CombinedIndex(s.stream).KeyCount()
}
