// Package diskspace implements the pre-flight free-space check (C13) run
// before a staging directory starts receiving bytes. Grounded on the
// teacher's internal/filesystem/allocator.go checkDiskSpace — only the
// space-check half is kept (see DESIGN.md); the truncate-preallocate half
// doesn't apply to a page-at-a-time adapter writing many small files.
package diskspace

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// safetyBuffer is added on top of the caller's required estimate, mirroring
// the teacher's 100MiB constant.
const safetyBuffer = 100 * 1024 * 1024

// Check returns an error if the filesystem holding path has less than
// requiredBytes+100MiB free. requiredBytes may be 0 when the adapter has no
// size estimate yet, in which case only the safety buffer is enforced.
func Check(path string, requiredBytes int64) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("check disk space for %s: %w", path, err)
	}
	needed := uint64(requiredBytes) + safetyBuffer
	if usage.Free < needed {
		return fmt.Errorf("disk full: %s has %d bytes free, need %d", path, usage.Free, needed)
	}
	return nil
}
