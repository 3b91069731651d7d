package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskSpace reports free space on the filesystem holding a path.
type DiskSpace interface {
	FreeSpace(ctx context.Context, path string) (uint64, error)
}

// DiskUsage implements DiskSpace with gopsutil.
type DiskUsage struct{}

// FreeSpace returns the bytes available on the filesystem of path. A path
// that does not exist yet is measured at its nearest existing parent.
func (DiskUsage) FreeSpace(ctx context.Context, path string) (uint64, error) {
	dir := existingParent(path)
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	return usage.Free, nil
}

func existingParent(path string) string {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
