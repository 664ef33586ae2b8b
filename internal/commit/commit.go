// Package commit implements the atomic staging-to-library publish step
// (C8): rename the staging directory into place, size it, locate its
// cover, and upsert the library row — in that order, since steps 1 and 4
// together are the commit point per spec.md §4.8. Grounded on the
// teacher's internal/core/organizer.go OrganizeFile rename pattern and
// internal/core/verifier.go's streamed-read sizing approach.
package commit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/noelle-silva/PicaComic/internal/sources"
	"github.com/noelle-silva/PicaComic/internal/store"
)

// Result is what a caller needs after a successful commit: the resolved
// comic directory and total byte size, useful for stats tracking.
type Result struct {
	ComicDir string
	Size     int64
}

// Commit renames stagingDir (storage/tasks/<taskId>) to
// storage/comics/<safeId>, computes its size, locates its cover, and
// upserts the library row for comic — steps 1 and 4 of §4.8, the commit
// point. If the process dies between the rename and the upsert, boot
// recovery is left with a comic directory and no row; the next commit for
// the same id overwrites cleanly (§4.8).
func Commit(st *store.Store, storageDir, stagingDir string, comic *sources.DownloadedComic) (Result, error) {
	safeID := sources.SafeID(comic.ID)
	comicDir := filepath.Join(storageDir, "comics", safeID)

	if _, err := os.Stat(comicDir); err == nil {
		if err := os.RemoveAll(comicDir); err != nil {
			return Result{}, fmt.Errorf("remove existing comic dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(comicDir), 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure comics dir: %w", err)
	}
	if err := os.Rename(stagingDir, comicDir); err != nil {
		return Result{}, fmt.Errorf("rename staging to comic dir: %w", err)
	}

	size, err := dirSize(filepath.Join(comicDir, "pages"))
	if err != nil {
		return Result{}, fmt.Errorf("compute size: %w", err)
	}

	var coverPath *string
	if p := findCover(comicDir); p != "" {
		coverPath = &p
	}

	tagsJSON, _ := json.Marshal(comic.Tags)
	metaJSON, err := json.Marshal(comic)
	if err != nil {
		return Result{}, fmt.Errorf("serialize meta: %w", err)
	}

	row := store.LibraryRow{
		ID:        comic.ID,
		Title:     comic.Title,
		Subtitle:  comic.Subtitle,
		Type:      comic.Type,
		TagsJSON:  string(tagsJSON),
		Directory: comic.Directory,
		Time:      time.Now().UnixMilli(),
		Size:      size,
		MetaJSON:  string(metaJSON),
		CoverPath: coverPath,
	}
	if err := st.UpsertLibraryRow(row); err != nil {
		return Result{}, fmt.Errorf("upsert library row: %w", err)
	}

	return Result{ComicDir: comicDir, Size: size}, nil
}

func findCover(comicDir string) string {
	candidates := []string{
		filepath.Join(comicDir, "cover.jpg"),
		filepath.Join(comicDir, "pages", "cover.jpg"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
