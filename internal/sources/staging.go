package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// existingFileSize returns (size, true) if path exists and is a non-empty
// regular file, matching the "already-present non-empty file" skip rule in
// §4.5 step 5.
func existingFileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return 0, false
	}
	return info.Size(), true
}

// pagePath returns the on-disk path for a page, chaptered or flat.
func pagePath(workDir string, epNo int, pageNo int, ext string) string {
	if epNo > 0 {
		return filepath.Join(workDir, "pages", strconv.Itoa(epNo), fmt.Sprintf("%d.%s", pageNo, ext))
	}
	return filepath.Join(workDir, "pages", fmt.Sprintf("%d.%s", pageNo, ext))
}

// coverPath returns the staging cover path.
func coverPath(workDir string) string {
	return filepath.Join(workDir, "cover.jpg")
}

// ensureParentDir makes sure the directory holding path exists.
func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// createFile truncates/creates path for writing, used by adapters that
// write decoded/re-encoded image bytes rather than streaming a raw
// response body through httpfetch.DownloadToFile.
func createFile(path string) (*os.File, error) {
	return os.Create(path)
}

// countExistingFiles walks workDir/pages (and the cover, if present) and
// returns how many files already exist with non-zero size — the resume
// floor fed to progress.EnsureAtLeast per §4.6.
func countExistingFiles(workDir string) int64 {
	var count int64
	if _, ok := existingFileSize(coverPath(workDir)); ok {
		count++
	}
	pagesDir := filepath.Join(workDir, "pages")
	filepath.Walk(pagesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if info.Size() > 0 {
			count++
		}
		return nil
	})
	return count
}

// extFromURL derives a lowercase file extension (no dot) from a URL path,
// defaulting to jpg when none is present.
func extFromURL(rawURL string) string {
	clean := rawURL
	if idx := strings.IndexAny(clean, "?#"); idx >= 0 {
		clean = clean[:idx]
	}
	ext := filepath.Ext(clean)
	ext = strings.TrimPrefix(ext, ".")
	ext = strings.ToLower(ext)
	if ext == "" || len(ext) > 5 {
		return "jpg"
	}
	return ext
}
