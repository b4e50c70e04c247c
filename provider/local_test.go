package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_Stat(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	testFile := "test-stat.txt"
	testContent := []byte("hello stat")
	require.NoError(t, os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644))

	info, err := p.Stat(ctx, testFile)
	require.NoError(t, err)

	assert.Equal(t, testFile, info.Name())
	assert.Equal(t, int64(len(testContent)), info.Size())
	assert.False(t, info.IsDir())
}

func TestLocalProvider_OpenRead(t *testing.T) {
	tempBase := t.TempDir()
	testFile := "test-read.txt"
	testContent := []byte("hello read")
	require.NoError(t, os.WriteFile(filepath.Join(tempBase, testFile), testContent, 0644))

	p := NewLocalProvider(tempBase)

	f, err := p.OpenRead(context.Background(), testFile)
	require.NoError(t, err)
	defer f.Close()

	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, testContent, content)
}

func TestLocalProvider_OpenReadMissing(t *testing.T) {
	p := NewLocalProvider(t.TempDir())

	f, err := p.OpenRead(context.Background(), "missing.txt")
	require.Error(t, err)
	assert.Nil(t, f, "a failed open must return a nil File")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalProvider_OpenReadWrite_CreatesParentsWithoutTruncating(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	f, err := p.OpenReadWrite(ctx, "nested/deeper/file.bin")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Re-opening must keep the existing content so a resume can seek into it.
	f, err = p.OpenReadWrite(ctx, "nested/deeper/file.bin")
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())

	_, err = f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))
}

func TestLocalProvider_TimesRoundTrip(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(tempBase, "f"), []byte("x"), 0644))

	want := FileTimes{
		Access: time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
		Modify: time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Chtimes(ctx, "f", want))

	got, err := p.Times(ctx, "f")
	require.NoError(t, err)
	assert.True(t, got.Modify.Equal(want.Modify), "modify: got %v want %v", got.Modify, want.Modify)
}

func TestLocalProvider_RenameAndRemove(t *testing.T) {
	tempBase := t.TempDir()
	p := NewLocalProvider(tempBase)
	ctx := context.Background()

	require.NoError(t, p.MkdirAll(ctx, "a/b"))
	require.NoError(t, os.WriteFile(filepath.Join(tempBase, "a/b/f"), []byte("x"), 0644))

	require.NoError(t, p.Rename(ctx, "a", "c"))
	_, err := p.Stat(ctx, "c/b/f")
	require.NoError(t, err)

	require.NoError(t, p.Remove(ctx, "c/b/f"))
	require.NoError(t, p.Remove(ctx, "c/b"))
	_, err = p.Stat(ctx, "c/b")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalProvider_CancelledContext(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.OpenReadWrite(ctx, "f")
	assert.ErrorIs(t, err, context.Canceled)
}
