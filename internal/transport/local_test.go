package transport

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocal(t *testing.T) *Local {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestLocalAppendAndReadRanges(t *testing.T) {
	l := setupLocal(t)

	w, err := l.OpenAppend("packs/data.pack")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Offset())

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), w.Offset())

	_, err = w.Write([]byte("world!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// reopening appends at the end
	w, err = l.OpenAppend("packs/data.pack")
	require.NoError(t, err)
	assert.Equal(t, int64(11), w.Offset())
	require.NoError(t, w.Close())

	bufs, err := l.ReadRanges(context.Background(), "packs/data.pack", []Range{
		{Offset: 5, Length: 6},
		{Offset: 0, Length: 5},
	})
	require.NoError(t, err)
	require.Len(t, bufs, 2)

	byOffset := map[int64]string{}
	for _, b := range bufs {
		byOffset[b.Offset] = string(b.Data)
	}
	assert.Equal(t, "hello", byOffset[0])
	assert.Equal(t, "world!", byOffset[5])

	t.Run("range past end of blob is an error", func(t *testing.T) {
		_, err := l.ReadRanges(context.Background(), "packs/data.pack", []Range{
			{Offset: 8, Length: 10},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestLocalPutGetRename(t *testing.T) {
	l := setupLocal(t)

	require.NoError(t, l.Put("pack-names", []byte(`{"packs":[]}`)))
	data, err := l.Get("pack-names")
	require.NoError(t, err)
	assert.JSONEq(t, `{"packs":[]}`, string(data))

	require.NoError(t, l.Put("upload/a.pack", []byte("abc")))
	require.NoError(t, l.Rename("upload/a.pack", "packs/a.pack"))
	assert.False(t, l.Exists("upload/a.pack"))
	assert.True(t, l.Exists("packs/a.pack"))

	names, err := l.List("packs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pack"}, names)

	require.NoError(t, l.Delete("packs/a.pack"))
	assert.False(t, l.Exists("packs/a.pack"))

	// listing a missing directory is empty, not an error
	names, err = l.List("obsolete_packs")
	require.NoError(t, err)
	assert.Empty(t, names)
}
