package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtFromURLDefaultsToJPG(t *testing.T) {
	assert.Equal(t, "jpg", extFromURL("https://example.com/page"))
	assert.Equal(t, "png", extFromURL("https://example.com/page.PNG?x=1"))
	assert.Equal(t, "jpg", extFromURL("https://example.com/page.verylongext"))
}

func TestPagePathChapteredVsFlat(t *testing.T) {
	assert.Equal(t, filepath.Join("work", "pages", "2", "3.jpg"), pagePath("work", 2, 3, "jpg"))
	assert.Equal(t, filepath.Join("work", "pages", "3.jpg"), pagePath("work", 0, 3, "jpg"))
}

func TestExistingFileSizeRejectsEmptyAndMissing(t *testing.T) {
	dir := t.TempDir()

	_, ok := existingFileSize(filepath.Join(dir, "missing.jpg"))
	assert.False(t, ok)

	empty := filepath.Join(dir, "empty.jpg")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, ok = existingFileSize(empty)
	assert.False(t, ok)

	nonEmpty := filepath.Join(dir, "full.jpg")
	require.NoError(t, os.WriteFile(nonEmpty, []byte("data"), 0o644))
	size, ok := existingFileSize(nonEmpty)
	assert.True(t, ok)
	assert.EqualValues(t, 4, size)
}

func TestCountExistingFilesCountsCoverAndPages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(coverPath(dir), []byte("cover"), 0o644))
	require.NoError(t, ensureParentDir(pagePath(dir, 0, 1, "jpg")))
	require.NoError(t, os.WriteFile(pagePath(dir, 0, 1, "jpg"), []byte("a"), 0o644))
	require.NoError(t, ensureParentDir(pagePath(dir, 0, 2, "jpg")))
	require.NoError(t, os.WriteFile(pagePath(dir, 0, 2, "jpg"), []byte("b"), 0o644))

	assert.EqualValues(t, 3, countExistingFiles(dir))
}

func TestCountExistingFilesEmptyWorkDir(t *testing.T) {
	dir := t.TempDir()
	assert.EqualValues(t, 0, countExistingFiles(dir))
}
