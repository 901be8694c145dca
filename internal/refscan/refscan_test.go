package refscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	scanner := NewScanner(nil)

	t.Run("FindsReferences", func(t *testing.T) {
		lines := []string{
			`<inventory format="5">`,
			`<file file_id="src-id" name="main.go" revision="rev-1"/>`,
			`<file file_id="doc-id" name="README" revision="rev-2"/>`,
			`<directory name="src" file_id="dir-id"/>`,
			`</inventory>`,
		}
		refs, err := scanner.Scan(lines)
		require.NoError(t, err)
		assert.Equal(t, []Ref{
			{ItemID: "src-id", VersionID: "rev-1"},
			{ItemID: "doc-id", VersionID: "rev-2"},
		}, refs)
	})

	t.Run("UnescapesEntities", func(t *testing.T) {
		lines := []string{
			`<file file_id="a&amp;b" name="x" revision="rev&lt;3&gt;"/>`,
		}
		refs, err := scanner.Scan(lines)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "a&b", refs[0].ItemID)
		assert.Equal(t, "rev<3>", refs[0].VersionID)
	})

	t.Run("NumericEntities", func(t *testing.T) {
		lines := []string{
			`<file file_id="id&#228;" name="x" revision="rev-1"/>`,
		}
		refs, err := scanner.Scan(lines)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "idä", refs[0].ItemID)
	})

	t.Run("BadEntity", func(t *testing.T) {
		lines := []string{
			`<file file_id="a&bogus;" name="x" revision="rev-1"/>`,
		}
		_, err := scanner.Scan(lines)
		assert.Error(t, err)
	})

	t.Run("SharedCache", func(t *testing.T) {
		cache := NewEntityCache()
		s1 := NewScanner(cache)
		s2 := NewScanner(cache)
		lines := []string{`<file file_id="a&amp;b" name="x" revision="r"/>`}
		_, err := s1.Scan(lines)
		require.NoError(t, err)
		refs, err := s2.Scan(lines)
		require.NoError(t, err)
		assert.Equal(t, "a&b", refs[0].ItemID)
	})
}
