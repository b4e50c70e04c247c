package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/pcp/engine"
	"github.com/franksops/pcp/store"
)

func TestEnumerate(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, map[string][]byte{
		"a.txt":                           []byte("a"),
		"dir/b.txt":                       []byte("bb"),
		"dir/deep/c.txt":                  []byte("ccc"),
		store.ReservedDir + "/x.pcp":      []byte("0\n1\n"),
		"dir/" + store.ReservedDir + "/y": []byte("nested reserved names are skipped too"),
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "dir"), filepath.Join(root, "dirlink")))

	files, err := engine.Enumerate(context.Background(), root)
	require.NoError(t, err)

	want := []engine.FileRecord{
		{Path: filepath.Join(root, "a.txt"), Rel: "a.txt", Size: 1},
		{Path: filepath.Join(root, "dir", "b.txt"), Rel: filepath.Join("dir", "b.txt"), Size: 2},
		{Path: filepath.Join(root, "dir", "deep", "c.txt"), Rel: filepath.Join("dir", "deep", "c.txt"), Size: 3},
		{Path: filepath.Join(root, "link.txt"), Rel: "link.txt", Size: 1},
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("Enumerate mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumerate_MissingRoot(t *testing.T) {
	_, err := engine.Enumerate(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestEnumerate_Cancelled(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, map[string][]byte{"a.txt": []byte("a")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Enumerate(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPurge(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, map[string][]byte{
		"keep.txt":                   []byte("k"),
		"dir/keep.txt":               []byte("k"),
		"dir/extra.txt":              []byte("x"),
		"other/extra.txt":            []byte("x"),
		store.ReservedDir + "/a.pcp": []byte("0\n1\n"),
	})

	keep := []engine.FileRecord{{Rel: "keep.txt"}, {Rel: filepath.Join("dir", "keep.txt")}}
	removed, err := engine.Purge(context.Background(), root, keep)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(root, "dir", "extra.txt"),
		filepath.Join(root, "other", "extra.txt"),
	}, removed)
	assert.Equal(t, []string{
		filepath.Join(store.ReservedDir, "a.pcp"),
		filepath.Join("dir", "keep.txt"),
		"keep.txt",
	}, listTree(t, root))
}
