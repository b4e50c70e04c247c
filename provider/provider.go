package provider

import (
	"context"
	"io"
	"os"
	"time"
)

// File is an open file handle supporting the positioned, durable I/O a
// resumable transfer needs.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FileTimes holds the timestamps propagated from a source file to its copy.
type FileTimes struct {
	Access time.Time
	Modify time.Time
}

// Provider represents a storage backend abstraction for transfer endpoints.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (os.FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (File, error)

	// OpenReadWrite opens or creates a file for reading and writing without
	// truncating it. Missing parent directories are created.
	OpenReadWrite(ctx context.Context, path string) (File, error)

	// Times returns the access and modification times of path.
	Times(ctx context.Context, path string) (FileTimes, error)

	// Chtimes sets the access and modification times of path.
	Chtimes(ctx context.Context, path string, times FileTimes) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// Rename moves oldpath to newpath in a single filesystem operation.
	Rename(ctx context.Context, oldpath, newpath string) error
}
