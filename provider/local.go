package provider

import (
	"context"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// ensure interface is implemented
var _ Provider = (*LocalProvider)(nil)

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Stat(p.resolve(path))
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *LocalProvider) OpenReadWrite(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := p.resolve(path)

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *LocalProvider) Times(ctx context.Context, path string) (FileTimes, error) {
	if err := ctx.Err(); err != nil {
		return FileTimes{}, err
	}
	return statTimes(p.resolve(path))
}

func (p *LocalProvider) Chtimes(ctx context.Context, path string, times FileTimes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Chtimes(p.resolve(path), times.Access, times.Modify)
}

func (p *LocalProvider) MkdirAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(p.resolve(path), dirPerm)
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(p.resolve(path))
}

func (p *LocalProvider) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(p.resolve(oldpath), p.resolve(newpath))
}
