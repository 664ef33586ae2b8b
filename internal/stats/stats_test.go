package stats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestTrackCommitAccumulatesIntoSnapshot(t *testing.T) {
	st := openTestStore(t)
	tracker := New(st)

	require.NoError(t, tracker.TrackCommit(1024))
	require.NoError(t, tracker.TrackCommit(2048))

	snap, err := tracker.Get()
	require.NoError(t, err)
	assert.EqualValues(t, 3072, snap.LifetimeBytes)
	assert.EqualValues(t, 2, snap.LifetimeFiles)
	require.Len(t, snap.Daily, 1)
	assert.EqualValues(t, 3072, snap.Daily[0].Bytes)
}

func TestGetOnEmptyStoreReturnsZeroSnapshot(t *testing.T) {
	st := openTestStore(t)
	tracker := New(st)

	snap, err := tracker.Get()
	require.NoError(t, err)
	assert.Zero(t, snap.LifetimeBytes)
	assert.Empty(t, snap.Daily)
}
