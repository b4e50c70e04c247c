package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEnabled(t *testing.T) (*ProgressStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := OpenProgressStore(root, true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestOpenProgressStore_CreatesReservedLayout(t *testing.T) {
	_, root := openEnabled(t)

	info, err := os.Stat(filepath.Join(root, ReservedDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(root, ReservedDir, CompletedLogName))
	assert.NoError(t, err)
}

func TestProgressStore_Disabled(t *testing.T) {
	root := t.TempDir()
	s, err := OpenProgressStore(root, false)
	require.NoError(t, err)

	assert.False(t, s.Enabled())

	p, err := s.BeginProgress("a/1.bin", 10)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.AdvanceProgress("a/1.bin", 5))
	require.NoError(t, s.RecordCompleted("a/1.bin"))
	require.NoError(t, s.FinishProgress("a/1.bin"))

	completed, err := s.LoadCompleted()
	require.NoError(t, err)
	assert.Empty(t, completed)

	_, err = os.Stat(filepath.Join(root, ReservedDir))
	assert.ErrorIs(t, err, os.ErrNotExist, "a disabled store must not touch the destination")
}

func TestProgressStore_BeginAdvanceResume(t *testing.T) {
	s, root := openEnabled(t)

	p, err := s.BeginProgress("a/1.bin", 100)
	require.NoError(t, err)
	assert.Nil(t, p, "a fresh record has nothing to resume")

	require.NoError(t, s.AdvanceProgress("a/1.bin", 40))

	recordFile := filepath.Join(root, ReservedDir, "a", "1.bin.pcp")
	data, err := os.ReadFile(recordFile)
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Len(t, lines[0], offsetWidth, "offset line must keep a constant width")
	assert.Equal(t, "40", strings.TrimSpace(lines[0]))
	assert.Equal(t, "100", lines[1])

	// Simulate a new process picking the record back up.
	require.NoError(t, s.Close())
	s2, err := OpenProgressStore(root, true)
	require.NoError(t, err)
	defer s2.Close()

	looked, err := s2.Lookup("a/1.bin")
	require.NoError(t, err)
	assert.Equal(t, &Progress{Current: 40, Total: 100}, looked)

	resumed, err := s2.BeginProgress("a/1.bin", 100)
	require.NoError(t, err)
	assert.Equal(t, &Progress{Current: 40, Total: 100}, resumed)

	require.NoError(t, s2.AdvanceProgress("a/1.bin", 100))
	size := fileSize(t, recordFile)
	require.NoError(t, s2.AdvanceProgress("a/1.bin", 100))
	assert.Equal(t, size, fileSize(t, recordFile), "in-place overwrite must not change the record length")
}

func TestProgressStore_ResumeTotalMismatch(t *testing.T) {
	s, root := openEnabled(t)

	_, err := s.BeginProgress("big.bin", 100)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceProgress("big.bin", 30))
	require.NoError(t, s.Close())

	s2, err := OpenProgressStore(root, true)
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.BeginProgress("big.bin", 150)
	require.ErrorIs(t, err, ErrTotalMismatch)

	// The record survives untouched.
	p, err := s2.Lookup("big.bin")
	require.NoError(t, err)
	assert.Equal(t, &Progress{Current: 30, Total: 100}, p)
}

func TestProgressStore_AdvanceMustNotRegress(t *testing.T) {
	s, _ := openEnabled(t)

	_, err := s.BeginProgress("f", 10)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceProgress("f", 8))

	assert.ErrorIs(t, s.AdvanceProgress("f", 4), ErrOffsetRegressed)
}

func TestProgressStore_AdvanceWithoutBegin(t *testing.T) {
	s, _ := openEnabled(t)
	assert.Error(t, s.AdvanceProgress("never-begun", 1))
}

func TestProgressStore_TornRecordRestartsAtZero(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"garbage", "garbage"},
		{"offset line only", fmt.Sprintf("%*d\n", offsetWidth, 0)},
		{"offset past total", fmt.Sprintf("%*d\n10\n", offsetWidth, 99)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, root := openEnabled(t)
			recordFile := filepath.Join(root, ReservedDir, "bad.pcp")
			require.NoError(t, os.WriteFile(recordFile, []byte(tt.data), 0644))

			p, err := s.Lookup("bad")
			require.NoError(t, err)
			assert.Equal(t, &Progress{}, p, "a torn record confirms nothing")

			p, err = s.BeginProgress("bad", 10)
			require.NoError(t, err)
			assert.Nil(t, p, "a torn record is replaced by a fresh one")
			require.NoError(t, s.AdvanceProgress("bad", 4))

			data, err := os.ReadFile(recordFile)
			require.NoError(t, err)
			got, err := parseRecord(data)
			require.NoError(t, err)
			assert.Equal(t, &Progress{Current: 4, Total: 10}, got)
			assert.NoFileExists(t, recordFile+tmpSuffix)
		})
	}
}

func TestProgressStore_FinishRemovesRecordAndEmptyDirs(t *testing.T) {
	s, root := openEnabled(t)

	_, err := s.BeginProgress(filepath.Join("x", "y", "z.bin"), 3)
	require.NoError(t, err)
	require.NoError(t, s.FinishProgress(filepath.Join("x", "y", "z.bin")))

	_, err = os.Stat(filepath.Join(root, ReservedDir, "x"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	p, err := s.Lookup(filepath.Join("x", "y", "z.bin"))
	require.NoError(t, err)
	assert.Nil(t, p)

	// Finishing twice is harmless.
	assert.NoError(t, s.FinishProgress(filepath.Join("x", "y", "z.bin")))
}

func TestProgressStore_CompletedLogConcurrentAppends(t *testing.T) {
	s, root := openEnabled(t)

	want := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		rel := fmt.Sprintf("dir%d/file%d.bin", i%5, i)
		want[rel] = struct{}{}

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RecordCompleted(rel))
		}()
	}
	wg.Wait()

	got, err := s.LoadCompleted()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completed set mismatch (-want +got):\n%s", diff)
	}

	// Re-opening reads the same durable log.
	require.NoError(t, s.Close())
	s2, err := OpenProgressStore(root, true)
	require.NoError(t, err)
	defer s2.Close()

	got, err = s2.LoadCompleted()
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestProgressStore_LoadCompletedIgnoresTornLine(t *testing.T) {
	s, root := openEnabled(t)

	logFile := filepath.Join(root, ReservedDir, CompletedLogName)
	require.NoError(t, os.WriteFile(logFile, []byte("a/1.bin\n\nb/2.bin\nc/3.b"), 0644))

	got, err := s.LoadCompleted()
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a/1.bin": {}, "b/2.bin": {}}, got)
}

func TestOpenProgressStore_DropsTornCompletedEntry(t *testing.T) {
	root := t.TempDir()
	logFile := filepath.Join(root, ReservedDir, CompletedLogName)
	require.NoError(t, os.MkdirAll(filepath.Dir(logFile), 0755))
	require.NoError(t, os.WriteFile(logFile, []byte("a/1.bin\na/2.b"), 0644))

	s, err := OpenProgressStore(root, true)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RecordCompleted("a/3.bin"))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "a/1.bin\na/3.bin\n", string(data))

	got, err := s.LoadCompleted()
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a/1.bin": {}, "a/3.bin": {}}, got)
}

func TestDropTornEntry(t *testing.T) {
	long := strings.Repeat("x", 10000)
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", ""},
		{"clean", "a\nb\n", "a\nb\n"},
		{"torn", "a\nb", "a\n"},
		{"no newline at all", "abc", ""},
		{"newline before a long torn tail", "a\n" + long, "a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "log")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0644))
			f, err := os.OpenFile(path, os.O_RDWR, 0644)
			require.NoError(t, err)
			defer f.Close()

			require.NoError(t, dropTornEntry(f))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestProgressStore_ConcurrentFilesInSameDirectory(t *testing.T) {
	s, root := openEnabled(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		rel := filepath.Join("shared", fmt.Sprintf("f%02d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginProgress(rel, 8)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, s.AdvanceProgress(rel, 8))
			assert.NoError(t, s.FinishProgress(rel))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(root, ReservedDir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, CompletedLogName, e.Name(), "only the completed log should remain")
	}
}

func TestProgressStore_TeardownAndRemoveReservedDir(t *testing.T) {
	s, root := openEnabled(t)

	require.NoError(t, s.RecordCompleted("a"))

	_, err := s.BeginProgress("pending", 10)
	require.NoError(t, err)

	require.NoError(t, s.Teardown())
	_, err = os.Stat(filepath.Join(root, ReservedDir, CompletedLogName))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// An in-flight record keeps the directory alive.
	assert.Error(t, s.RemoveReservedDir())

	require.NoError(t, s.FinishProgress("pending"))
	require.NoError(t, s.RemoveReservedDir())

	_, err = os.Stat(filepath.Join(root, ReservedDir))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
