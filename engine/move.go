package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/karrick/godirwalk"
)

// tryRename moves source onto dest with a single rename. It reports false
// without error when dest already exists; any rename failure (for example a
// cross-device move) is returned so the caller can fall back to copying.
func (o *Orchestrator) tryRename(ctx context.Context, source, dest string) (bool, error) {
	_, err := o.dst.Stat(ctx, dest)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	if err := o.dst.MkdirAll(ctx, filepath.Dir(dest)); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", dest, err)
	}
	if err := o.src.Rename(ctx, source, dest); err != nil {
		return false, err
	}
	return true, nil
}

// removeSources deletes every source file that all destinations confirmed.
// Anything unconfirmed anywhere keeps its source copy.
func (o *Orchestrator) removeSources(ctx context.Context, files []FileRecord, confirmed map[string]int, destinations int) (int, error) {
	var (
		removed int
		result  *multierror.Error
	)
	for _, f := range files {
		if confirmed[f.Path] < destinations {
			continue
		}
		if err := o.src.Remove(ctx, f.Path); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove source %s: %w", f.Path, err))
			continue
		}
		removed++
	}
	return removed, result.ErrorOrNil()
}

// pruneEmptyDirs removes empty directories under root bottom-up, root
// included. Directories that still hold anything are left in place.
func pruneEmptyDirs(root string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(string, *godirwalk.Dirent) error {
			return nil
		},
		PostChildrenCallback: func(pathname string, _ *godirwalk.Dirent) error {
			_ = os.Remove(pathname)
			return nil
		},
	})
}
