package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loom/internal/config"
	errs "loom/internal/errors"
	"loom/internal/index"
	"loom/internal/pack"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Init(t.TempDir(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInitAndOpen(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, config.Default(), zap.NewNop())
	require.NoError(t, err)

	controlDir := filepath.Join(root, ControlDirName)
	for _, dir := range []string{"packs", "upload", "obsolete_packs", "indices"} {
		info, err := os.Stat(filepath.Join(controlDir, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.FileExists(t, filepath.Join(controlDir, "format.json"))

	_, err = Init(root, config.Default(), zap.NewNop())
	assert.Error(t, err, "double init must fail")

	require.NoError(t, r.Close())
	reopened, err := Open(root, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 200, reopened.Format().TextChainLimit)
}

func TestWriteLock(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.LockWrite())
	assert.ErrorIs(t, r.LockWrite(), errs.ErrRepositoryLocked)
	require.NoError(t, r.Unlock())
	require.NoError(t, r.LockWrite())
	require.NoError(t, r.Unlock())
}

func TestWriteLockExcludesOtherProcesses(t *testing.T) {
	r := newTestRepo(t)
	// another process holding the lock left its lock file behind
	lockPath := filepath.Join(r.controlDir, "lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0644))
	assert.ErrorIs(t, r.LockWrite(), errs.ErrRepositoryLocked)

	require.NoError(t, os.Remove(lockPath))
	assert.NoError(t, r.LockWrite())
}

func TestWriteGroupRequiresLock(t *testing.T) {
	r := newTestRepo(t)
	assert.ErrorIs(t, r.BeginWriteGroup(), errs.ErrRepositoryLocked)
	assert.ErrorIs(t, r.Pack(context.Background()), errs.ErrRepositoryLocked)
	_, err := r.Autopack(context.Background())
	assert.ErrorIs(t, err, errs.ErrRepositoryLocked)
	_, err = r.Reconcile(context.Background())
	assert.ErrorIs(t, err, errs.ErrRepositoryLocked)
}

// commitRevision writes one complete revision (revision, inventory, text,
// signature) as its own write group.
func commitRevision(t *testing.T, r *Repository, id string, parents []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.BeginWriteGroup())

	revKey := index.NewKey(id)
	parentKeys := make([]index.Key, len(parents))
	for i, p := range parents {
		parentKeys[i] = index.NewKey(p)
	}
	require.NoError(t, r.Revisions().AddLines(ctx, revKey, parentKeys,
		[]string{"revision " + id + "\n"}))
	require.NoError(t, r.Inventories().AddLines(ctx, revKey, parentKeys, []string{
		"<inventory>\n",
		fmt.Sprintf("<file file_id=%q name=%q revision=%q/>\n", "f", "f", id),
		"</inventory>\n",
	}))
	require.NoError(t, r.Texts().AddLines(ctx, index.NewKey("f", id), nil,
		[]string{"text of f at " + id + "\n"}))
	require.NoError(t, r.Signatures().AddLines(ctx, revKey, nil,
		[]string{"signature " + id + "\n"}))

	require.NoError(t, r.CommitWriteGroup(ctx))
}

func TestCommitAndReadBack(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.LockWrite())
	commitRevision(t, r, "rev-1", nil)
	commitRevision(t, r, "rev-2", []string{"rev-1"})

	lines, err := r.Texts().Get(context.Background(), index.NewKey("f", "rev-2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"text of f at rev-2\n"}, lines)

	lines, err = r.Revisions().Get(context.Background(), index.NewKey("rev-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"revision rev-1\n"}, lines)
}

func TestAbortWriteGroupDiscards(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.LockWrite())
	require.NoError(t, r.BeginWriteGroup())
	require.NoError(t, r.Revisions().AddLines(context.Background(),
		index.NewKey("rev-1"), nil, []string{"doomed\n"}))
	require.NoError(t, r.AbortWriteGroup())

	assert.False(t, r.Revisions().Has(index.NewKey("rev-1")))
	assert.Empty(t, r.Collection().Names())
}

func TestCommitAutopacksWhenThresholdCrossed(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.LockWrite())
	for i := 1; i <= 11; i++ {
		commitRevision(t, r, fmt.Sprintf("rev-%02d", i), nil)
	}
	// eleven revisions allow at most two packs
	assert.LessOrEqual(t, len(r.Collection().Names()), 2)

	count, err := r.Revisions().KeyCount()
	require.NoError(t, err)
	assert.Equal(t, 11, count)
}

func TestPackAllAndReconcile(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.LockWrite())
	commitRevision(t, r, "rev-1", nil)
	commitRevision(t, r, "rev-2", []string{"rev-1"})
	require.Len(t, r.Collection().Names(), 2)

	require.NoError(t, r.Pack(context.Background()))
	assert.Len(t, r.Collection().Names(), 1)

	// texts were written with empty parents, so reconcile has work to do:
	// f@rev-2 ought to descend from f@rev-1
	changed, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	entry, _, err := r.Collection().CombinedIndex(pack.StreamTexts).Get(index.NewKey("f", "rev-2"))
	require.NoError(t, err)
	require.Len(t, entry.Parents, 1)
	assert.True(t, entry.Parents[0].Equal(index.NewKey("f", "rev-1")))

	changed, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "reconcile must converge")
}
