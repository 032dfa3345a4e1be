package txfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommitter(t *testing.T) (*Committer, string) {
	t.Helper()
	root := t.TempDir()
	c, err := NewCommitter(filepath.Join(root, "transactions"))
	require.NoError(t, err)
	return c, root
}

func TestCommitFansOutToAllTargets(t *testing.T) {
	c, root := newCommitter(t)

	tx, err := c.Begin()
	require.NoError(t, err)

	primary := filepath.Join(root, "primary", "doc.xml")
	flat := filepath.Join(root, "flat", "doc.xml")
	require.NoError(t, c.AddFile(tx, []byte("<xml/>"), "doc.xml", []string{primary, flat}))

	stats, err := c.Commit(tx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 2, stats.FilesCopied)

	for _, path := range []string{primary, flat} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "<xml/>", string(data))
	}

	// Journal moved to completed, staging gone.
	pending, err := c.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)
	_, err = os.Stat(filepath.Join(root, "transactions", "staging", tx.ID()))
	assert.True(t, os.IsNotExist(err))
}

func TestCommitSkipsExistingTargets(t *testing.T) {
	c, root := newCommitter(t)

	target := filepath.Join(root, "primary", "doc.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	tx, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.AddFile(tx, []byte("new"), "doc.xml", []string{target}))

	stats, err := c.Commit(tx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedExisting)
	assert.Zero(t, stats.FilesCopied)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "existing files are never overwritten")
}

func TestCommitFailureKeepsPendingRecord(t *testing.T) {
	c, root := newCommitter(t)

	good := filepath.Join(root, "out", "good.xml")
	// A target whose parent is a regular file cannot be created.
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	bad := filepath.Join(blocker, "nested", "bad.xml")

	tx, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.AddFile(tx, []byte("a"), "good.xml", []string{good}))
	require.NoError(t, c.AddFile(tx, []byte("b"), "bad.xml", []string{bad}))

	stats, err := c.Commit(tx)
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "bad.xml", stats.Failures[0].Filename)

	pending, err := c.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRecoverReplaysInterruptedCommit(t *testing.T) {
	c, root := newCommitter(t)

	good := filepath.Join(root, "out", "good.xml")
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	bad := filepath.Join(blocker, "nested", "bad.xml")

	tx, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.AddFile(tx, []byte("a"), "good.xml", []string{good}))
	require.NoError(t, c.AddFile(tx, []byte("b"), "bad.xml", []string{bad}))
	_, err = c.Commit(tx)
	require.Error(t, err)

	// Unblock the failed target and recover with a fresh committer, as a
	// restarted process would.
	require.NoError(t, os.Remove(blocker))
	fresh, err := NewCommitter(filepath.Join(root, "transactions"))
	require.NoError(t, err)

	recovered, err := fresh.Recover()
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID()}, recovered)

	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	// The already-applied operation was not rewritten; it was skipped as
	// existing.
	data, err = os.ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	pending, err := fresh.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRollbackDiscardsStaging(t *testing.T) {
	c, root := newCommitter(t)

	tx, err := c.Begin()
	require.NoError(t, err)
	target := filepath.Join(root, "out", "doc.xml")
	require.NoError(t, c.AddFile(tx, []byte("x"), "doc.xml", []string{target}))

	require.NoError(t, c.Rollback(tx))

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err), "nothing reaches final paths")

	pending, err := c.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = os.Stat(filepath.Join(root, "transactions", "completed", tx.ID()+"_rollback.json"))
	assert.NoError(t, err, "rollback leaves an audit record")
}

func TestCleanupCompleted(t *testing.T) {
	c, root := newCommitter(t)

	tx, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.AddFile(tx, []byte("x"), "doc.xml", []string{filepath.Join(root, "out", "doc.xml")}))
	_, err = c.Commit(tx)
	require.NoError(t, err)

	// Nothing is old enough yet.
	removed, err := c.CleanupCompleted(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// With zero retention everything qualifies.
	removed, err = c.CleanupCompleted(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
