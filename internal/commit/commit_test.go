package commit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/sources"
	"github.com/noelle-silva/PicaComic/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func writeStagedPages(t *testing.T, stagingDir string, pages map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(stagingDir, "pages"), 0o755))
	for name, content := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(stagingDir, "pages", name), []byte(content), 0o644))
	}
}

func TestCommitRenamesAndUpsertsLibraryRow(t *testing.T) {
	st := openTestStore(t)
	storageDir := t.TempDir()
	stagingDir := filepath.Join(storageDir, "tasks", "task-1")
	writeStagedPages(t, stagingDir, map[string]string{"1.jpg": "aaaa", "2.jpg": "bb"})

	comic := &sources.DownloadedComic{
		ID: "jm123456", Title: "Some Title", Type: sources.JM.Ordinal(),
		Tags: []string{"a", "b"}, Directory: "Some Title",
	}

	result, err := Commit(st, storageDir, stagingDir, comic)
	require.NoError(t, err)
	assert.EqualValues(t, 6, result.Size)

	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err), "staging dir should be gone after rename")

	row, err := st.GetLibraryRow("jm123456")
	require.NoError(t, err)
	assert.Equal(t, "Some Title", row.Title)
	assert.EqualValues(t, 6, row.Size)
}

func TestCommitFindsCoverAtComicRoot(t *testing.T) {
	st := openTestStore(t)
	storageDir := t.TempDir()
	stagingDir := filepath.Join(storageDir, "tasks", "task-1")
	writeStagedPages(t, stagingDir, map[string]string{"1.jpg": "a"})
	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, "cover.jpg"), []byte("cover-bytes"), 0o644))

	comic := &sources.DownloadedComic{ID: "nhentai1"}
	result, err := Commit(st, storageDir, stagingDir, comic)
	require.NoError(t, err)

	row, err := st.GetLibraryRow("nhentai1")
	require.NoError(t, err)
	require.NotNil(t, row.CoverPath)
	assert.Equal(t, filepath.Join(result.ComicDir, "cover.jpg"), *row.CoverPath)
}

func TestCommitOverwritesExistingComicDir(t *testing.T) {
	st := openTestStore(t)
	storageDir := t.TempDir()

	firstStaging := filepath.Join(storageDir, "tasks", "task-1")
	writeStagedPages(t, firstStaging, map[string]string{"1.jpg": "old-data-longer"})
	comic := &sources.DownloadedComic{ID: "nhentai1"}
	_, err := Commit(st, storageDir, firstStaging, comic)
	require.NoError(t, err)

	secondStaging := filepath.Join(storageDir, "tasks", "task-2")
	writeStagedPages(t, secondStaging, map[string]string{"1.jpg": "new"})
	result, err := Commit(st, storageDir, secondStaging, comic)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.Size, "the re-commit should replace the old directory entirely")
}
