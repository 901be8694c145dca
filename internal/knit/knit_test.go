package knit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/pack"
	"loom/internal/record"
	"loom/internal/transport"
)

func newTestStore(t *testing.T, maxDeltaChain int) (*Store, *pack.Collection) {
	t.Helper()
	tp, err := transport.NewLocal(t.TempDir())
	require.NoError(t, err)
	ixStore, err := index.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { ixStore.Close() })

	c, err := pack.Open(tp, ixStore, zap.NewNop())
	require.NoError(t, err)
	_, err = c.StartWriteGroup()
	require.NoError(t, err)
	t.Cleanup(func() {
		if c.InProgress() {
			c.AbortWriteGroup()
		}
	})

	codec, err := record.NewCodec()
	require.NoError(t, err)
	s, err := New(pack.StreamTexts, c, c.WritePack, codec, maxDeltaChain, zap.NewNop())
	require.NoError(t, err)
	return s, c
}

func TestAddAndGet(t *testing.T) {
	s, _ := newTestStore(t, 200)
	ctx := context.Background()
	key := index.NewKey("item", "v1")
	lines := []string{"first\n", "second\n"}

	require.NoError(t, s.AddLines(ctx, key, nil, lines))
	assert.True(t, s.Has(key))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, lines, got)

	_, err = s.Get(ctx, index.NewKey("item", "missing"))
	assert.ErrorIs(t, err, errs.ErrKeyNotFound)
}

func TestAddDuplicateKey(t *testing.T) {
	s, _ := newTestStore(t, 200)
	ctx := context.Background()
	key := index.NewKey("item", "v1")
	require.NoError(t, s.AddLines(ctx, key, nil, []string{"x\n"}))
	err := s.AddLines(ctx, key, nil, []string{"y\n"})
	assert.ErrorIs(t, err, errs.ErrKeyExists)
}

func TestAddRequiresWriteGroup(t *testing.T) {
	s, c := newTestStore(t, 200)
	require.NoError(t, c.AbortWriteGroup())
	err := s.AddLines(context.Background(), index.NewKey("item", "v1"), nil, []string{"x\n"})
	assert.ErrorIs(t, err, errs.ErrNoWriteGroup)
}

func TestDeltaEncodedAgainstLeftmostParent(t *testing.T) {
	s, c := newTestStore(t, 200)
	ctx := context.Background()
	v1 := index.NewKey("item", "v1")
	v2 := index.NewKey("item", "v2")

	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"a\n", "b\n"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"a\n", "b\n", "c\n"}))

	e1, _, err := c.CombinedIndex(pack.StreamTexts).Get(v1)
	require.NoError(t, err)
	assert.Nil(t, e1.CompressionParent)

	e2, _, err := c.CombinedIndex(pack.StreamTexts).Get(v2)
	require.NoError(t, err)
	require.NotNil(t, e2.CompressionParent)
	assert.True(t, e2.CompressionParent.Equal(v1))

	got, err := s.Get(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "b\n", "c\n"}, got)
}

func TestChainLimitForcesFulltext(t *testing.T) {
	s, c := newTestStore(t, 2)
	ctx := context.Background()

	prev := index.Key(nil)
	for i := 1; i <= 5; i++ {
		key := index.NewKey("item", fmt.Sprintf("v%d", i))
		var parents []index.Key
		if prev != nil {
			parents = []index.Key{prev}
		}
		lines := []string{"base\n"}
		for j := 1; j <= i; j++ {
			lines = append(lines, fmt.Sprintf("line %d\n", j))
		}
		require.NoError(t, s.AddLines(ctx, key, parents, lines))
		prev = key
	}

	fulltexts := 0
	combined := c.CombinedIndex(pack.StreamTexts)
	for i := 1; i <= 5; i++ {
		entry, _, err := combined.Get(index.NewKey("item", fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		if entry.CompressionParent == nil {
			fulltexts++
		}
	}
	// v1 fulltext, v2 v3 deltas, then the chain resets at v4
	assert.Equal(t, 2, fulltexts)

	got, err := s.Get(ctx, index.NewKey("item", "v5"))
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestZeroChainLimitStoresOnlyFulltexts(t *testing.T) {
	s, c := newTestStore(t, 0)
	ctx := context.Background()
	v1 := index.NewKey("rev-1")
	v2 := index.NewKey("rev-2")

	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"one\n"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"two\n"}))

	for _, key := range []index.Key{v1, v2} {
		entry, _, err := c.CombinedIndex(pack.StreamTexts).Get(key)
		require.NoError(t, err)
		assert.Nil(t, entry.CompressionParent, "%s must be a fulltext", key.Path())
	}
}

func TestAnnotate(t *testing.T) {
	s, _ := newTestStore(t, 200)
	ctx := context.Background()
	v1 := index.NewKey("item", "v1")
	v2 := index.NewKey("item", "v2")

	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"a\n", "b\n", "c\n"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"a\n", "B\n", "c\n", "d\n"}))

	annotations, err := s.Annotate(ctx, v2)
	require.NoError(t, err)
	require.Len(t, annotations, 4)
	assert.Equal(t, Annotation{Origin: v1, Line: "a\n"}, annotations[0])
	assert.Equal(t, Annotation{Origin: v2, Line: "B\n"}, annotations[1])
	assert.Equal(t, Annotation{Origin: v1, Line: "c\n"}, annotations[2])
	assert.Equal(t, Annotation{Origin: v2, Line: "d\n"}, annotations[3])
}

func TestNoFinalNewlineSurvivesColdRead(t *testing.T) {
	s, c := newTestStore(t, 200)
	ctx := context.Background()
	v1 := index.NewKey("item", "v1")
	v2 := index.NewKey("item", "v2")
	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"a\n", "tail"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"a\n", "b\n", "tail"}))

	entry, _, err := c.CombinedIndex(pack.StreamTexts).Get(v1)
	require.NoError(t, err)
	flag, _, _, err := entry.Position()
	require.NoError(t, err)
	assert.Equal(t, byte('N'), flag)

	require.NoError(t, c.CommitWriteGroup())

	codec, err := record.NewCodec()
	require.NoError(t, err)
	fresh, err := New(pack.StreamTexts, c, c.WritePack, codec, 200, zap.NewNop())
	require.NoError(t, err)

	got, err := fresh.Get(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "tail"}, got)

	got, err = fresh.Get(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "b\n", "tail"}, got)
}

func TestGetParentMap(t *testing.T) {
	s, _ := newTestStore(t, 200)
	ctx := context.Background()
	v1 := index.NewKey("item", "v1")
	v2 := index.NewKey("item", "v2")

	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"a\n"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"b\n"}))

	parents, err := s.GetParentMap([]index.Key{v1, v2, index.NewKey("item", "absent")})
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Empty(t, parents[v1.String()])
	require.Len(t, parents[v2.String()], 1)
	assert.True(t, parents[v2.String()][0].Equal(v1))
}

func TestGetSurvivesCommit(t *testing.T) {
	s, c := newTestStore(t, 200)
	ctx := context.Background()
	v1 := index.NewKey("item", "v1")
	v2 := index.NewKey("item", "v2")
	require.NoError(t, s.AddLines(ctx, v1, nil, []string{"a\n", "b\n"}))
	require.NoError(t, s.AddLines(ctx, v2, []index.Key{v1}, []string{"a\n", "c\n"}))
	require.NoError(t, c.CommitWriteGroup())

	// a fresh store with a cold cache reads through the committed pack
	codec, err := record.NewCodec()
	require.NoError(t, err)
	fresh, err := New(pack.StreamTexts, c, c.WritePack, codec, 200, zap.NewNop())
	require.NoError(t, err)
	got, err := fresh.Get(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "c\n"}, got)
}
