package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/karrick/godirwalk"

	"github.com/franksops/pcp/store"
)

// Purge deletes every file under root whose path relative to root is not in
// keep. keep must be the source listing taken before the transfer started.
// The reserved progress directory is left alone. Directories are kept.
func Purge(ctx context.Context, root string, keep []FileRecord) ([]string, error) {
	wanted := make(map[string]struct{}, len(keep))
	for _, f := range keep {
		wanted[f.Rel] = struct{}{}
	}

	var extra []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(pathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pathname == root {
				return nil
			}

			rel, err := filepath.Rel(root, pathname)
			if err != nil {
				return err
			}
			if de.IsDir() {
				if rel == store.ReservedDir {
					return godirwalk.SkipThis
				}
				return nil
			}

			if _, ok := wanted[rel]; !ok {
				extra = append(extra, pathname)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s for purge: %w", root, err)
	}

	var (
		removed []string
		result  *multierror.Error
	)
	for _, path := range extra {
		if err := os.Remove(path); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to purge %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}

	return removed, result.ErrorOrNil()
}
