package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/franksops/pcp/store"
)

// Enumerate lists every regular file under root, including symlinks that
// resolve to regular files. Reserved progress directories are not entered.
// Records come back in lexical walk order with Rel relative to root.
func Enumerate(ctx context.Context, root string) ([]FileRecord, error) {
	var files []FileRecord

	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(pathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if de.IsDir() {
				if pathname != root && de.Name() == store.ReservedDir {
					return godirwalk.SkipThis
				}
				return nil
			}

			// Stat follows symlinks; anything that is not a regular file in
			// the end is ignored.
			info, err := os.Stat(pathname)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", pathname, err)
			}
			if !info.Mode().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(root, pathname)
			if err != nil {
				return err
			}
			files = append(files, FileRecord{Path: pathname, Rel: rel, Size: info.Size()})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}

	return files, nil
}

// totalBytes sums the enumerated sizes.
func totalBytes(files []FileRecord) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}
