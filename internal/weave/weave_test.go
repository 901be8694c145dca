package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "loom/internal/errors"
)

func TestAddAndGet(t *testing.T) {
	t.Run("InsertBetweenLines", func(t *testing.T) {
		w := New()

		base, err := w.Add(nil, []string{"aaa", "bbb"})
		require.NoError(t, err)
		assert.Equal(t, 0, base)

		v1, err := w.Add([]int{base}, []string{"aaa", "111", "bbb"})
		require.NoError(t, err)
		assert.Equal(t, 1, v1)

		got, err := w.Get(v1)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaa", "111", "bbb"}, got)

		// the base version is untouched by later adds
		got, err = w.Get(base)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaa", "bbb"}, got)
	})

	t.Run("IndependentInsertsAtSamePoint", func(t *testing.T) {
		w := New()

		base, err := w.Add(nil, []string{"aaa", "bbb"})
		require.NoError(t, err)

		v1, err := w.Add([]int{base}, []string{"aaa", "111", "bbb"})
		require.NoError(t, err)
		v2, err := w.Add([]int{base}, []string{"aaa", "222", "bbb"})
		require.NoError(t, err)

		// each divergent version sees only its own insertion
		got, err := w.Get(v1)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaa", "111", "bbb"}, got)

		got, err = w.Get(v2)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaa", "222", "bbb"}, got)
	})

	t.Run("DeleteAndReplace", func(t *testing.T) {
		w := New()

		base, err := w.Add(nil, []string{"one", "two", "three", "four"})
		require.NoError(t, err)

		v1, err := w.Add([]int{base}, []string{"one", "TWO", "four"})
		require.NoError(t, err)

		got, err := w.Get(v1)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "TWO", "four"}, got)

		got, err = w.Get(base)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three", "four"}, got)
	})

	t.Run("RoundTripThroughChain", func(t *testing.T) {
		w := New()

		texts := [][]string{
			{"a"},
			{"a", "b"},
			{"b"},
			{"prefix", "b"},
			{"prefix", "b", "suffix"},
		}
		var last int
		var parents []int
		for i, text := range texts {
			v, err := w.Add(parents, text)
			require.NoError(t, err)
			assert.Equal(t, i, v)
			parents = []int{v}
			last = v
		}
		for i, text := range texts {
			got, err := w.Get(i)
			require.NoError(t, err)
			assert.Equal(t, text, got, "version %d", i)
		}
		_ = last
	})

	t.Run("EmptyText", func(t *testing.T) {
		w := New()
		v, err := w.Add(nil, nil)
		require.NoError(t, err)
		got, err := w.Get(v)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("MergeOfDivergentVersions", func(t *testing.T) {
		w := New()
		base, err := w.Add(nil, []string{"aaa", "bbb"})
		require.NoError(t, err)
		v1, err := w.Add([]int{base}, []string{"aaa", "111", "bbb"})
		require.NoError(t, err)
		v2, err := w.Add([]int{base}, []string{"aaa", "222", "bbb"})
		require.NoError(t, err)

		merged, err := w.Add([]int{v1, v2}, []string{"aaa", "111", "222", "bbb"})
		require.NoError(t, err)

		got, err := w.Get(merged)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaa", "111", "222", "bbb"}, got)
	})
}

func TestNoOpDelta(t *testing.T) {
	w := New()

	base, err := w.Add(nil, []string{"aaa", "bbb", "ccc"})
	require.NoError(t, err)

	before := w.numLiterals()
	same, err := w.Add([]int{base}, []string{"aaa", "bbb", "ccc"})
	require.NoError(t, err)

	// identical text adds no literal tokens
	assert.Equal(t, before, w.numLiterals())

	got, err := w.Get(same)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, got)
}

func TestAnnotate(t *testing.T) {
	w := New()

	base, err := w.Add(nil, []string{"aaa", "bbb"})
	require.NoError(t, err)
	v1, err := w.Add([]int{base}, []string{"aaa", "111", "bbb"})
	require.NoError(t, err)

	annotations, err := w.Annotate(v1)
	require.NoError(t, err)

	// concatenated line components must equal Get
	lines := make([]string, len(annotations))
	for i, a := range annotations {
		lines[i] = a.Line
	}
	got, err := w.Get(v1)
	require.NoError(t, err)
	assert.Equal(t, got, lines)

	// origins are either v1 or one of its recorded ancestors
	assert.Equal(t, base, annotations[0].Origin)
	assert.Equal(t, v1, annotations[1].Origin)
	assert.Equal(t, base, annotations[2].Origin)
}

func TestAddErrors(t *testing.T) {
	t.Run("UnknownParent", func(t *testing.T) {
		w := New()
		_, err := w.Add([]int{7}, []string{"x"})
		require.Error(t, err)
		assert.True(t, errs.IsFormat(err))
	})

	t.Run("GetUnknownVersion", func(t *testing.T) {
		w := New()
		_, err := w.Get(0)
		require.Error(t, err)
		assert.True(t, errs.IsFormat(err))
	})
}

func TestCorruptStream(t *testing.T) {
	t.Run("UnclosedInsertion", func(t *testing.T) {
		w := New()
		_, err := w.Add(nil, []string{"aaa"})
		require.NoError(t, err)
		w.tokens = w.tokens[:len(w.tokens)-1] // drop the close marker
		assert.True(t, errs.IsFormat(w.Check()))
	})

	t.Run("LiteralOutsideScope", func(t *testing.T) {
		w := New()
		w.tokens = []token{{op: opLiteral, line: "stray"}}
		assert.True(t, errs.IsFormat(w.Check()))
	})

	t.Run("MismatchedClose", func(t *testing.T) {
		w := New()
		w.included = [][]int{nil, nil}
		w.tokens = []token{
			{op: opInsertOpen, version: 0},
			{op: opInsertClose, version: 1},
		}
		assert.True(t, errs.IsFormat(w.Check()))
	})

	t.Run("OlderInsertionNestedInNewer", func(t *testing.T) {
		w := New()
		w.included = [][]int{nil, nil}
		w.tokens = []token{
			{op: opInsertOpen, version: 1},
			{op: opInsertOpen, version: 0},
			{op: opInsertClose, version: 0},
			{op: opInsertClose, version: 1},
		}
		assert.True(t, errs.IsFormat(w.Check()))
	})

	t.Run("RepeatedDeleteOpen", func(t *testing.T) {
		w := New()
		w.included = [][]int{nil, nil}
		w.tokens = []token{
			{op: opInsertOpen, version: 0},
			{op: opDeleteOpen, version: 1},
			{op: opDeleteOpen, version: 1},
			{op: opDeleteClose, version: 1},
			{op: opDeleteClose, version: 1},
			{op: opInsertClose, version: 0},
		}
		assert.True(t, errs.IsFormat(w.Check()))
	})

	t.Run("SelfDeleteInsideOwnInsertion", func(t *testing.T) {
		w := New()
		w.included = [][]int{nil}
		w.tokens = []token{
			{op: opInsertOpen, version: 0},
			{op: opDeleteOpen, version: 0},
			{op: opDeleteClose, version: 0},
			{op: opInsertClose, version: 0},
		}
		assert.True(t, errs.IsFormat(w.Check()))
	})
}
