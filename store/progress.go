package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	// ReservedDir is the directory under each destination root holding
	// resumable transfer state.
	ReservedDir = ".pcp"

	// CompletedLogName is the append-only list of finished relative paths.
	CompletedLogName = ".pcp-completed.pcp"

	recordSuffix = ".pcp"
	tmpSuffix    = ".tmp"

	// offsetWidth is the fixed width of the first record line so that
	// rewriting it in place never changes the line length.
	offsetWidth = 20

	dirPerm  = 0755
	filePerm = 0644
)

var (
	// ErrTotalMismatch is returned when a persisted record's total size does
	// not match the size observed for the source file.
	ErrTotalMismatch = errors.New("persisted total size does not match source size")

	// ErrCorruptRecord marks a progress record that cannot be parsed. Such a
	// record was torn while being written and is replaced by a fresh one.
	ErrCorruptRecord = errors.New("corrupt progress record")

	// ErrOffsetRegressed is returned when an advance would move the
	// confirmed offset backwards.
	ErrOffsetRegressed = errors.New("confirmed offset must not decrease")
)

// Progress is the durable state of one in-flight file.
type Progress struct {
	Current int64
	Total   int64
}

type liveRecord struct {
	f       *os.File
	current int64
	total   int64
}

// ProgressStore persists, for one destination root, the completed-file log
// and one offset record per in-flight file. A disabled store turns every
// operation into a no-op.
type ProgressStore struct {
	root    string
	dir     string
	enabled bool

	logMu sync.Mutex
	log   *os.File

	// mu guards insertion into and removal from live. Each entry is only
	// touched by the worker that owns its path.
	mu   sync.Mutex
	live map[string]*liveRecord

	// dirMu orders record directory creation against pruning.
	dirMu sync.Mutex
}

// OpenProgressStore opens the store for destinationRoot. When enabled, the
// reserved directory is created and the completed log opened for append.
func OpenProgressStore(destinationRoot string, enabled bool) (*ProgressStore, error) {
	s := &ProgressStore{
		root:    destinationRoot,
		dir:     filepath.Join(destinationRoot, ReservedDir),
		enabled: enabled,
		live:    make(map[string]*liveRecord),
	}
	if !enabled {
		return s, nil
	}

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", s.dir, err)
	}

	log, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open completed log: %w", err)
	}
	if err := dropTornEntry(log); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to repair completed log: %w", err)
	}
	s.log = log

	return s, nil
}

// Enabled reports whether the store persists anything.
func (s *ProgressStore) Enabled() bool { return s.enabled }

// Root returns the destination root the store belongs to.
func (s *ProgressStore) Root() string { return s.root }

func (s *ProgressStore) logPath() string {
	return filepath.Join(s.dir, CompletedLogName)
}

func (s *ProgressStore) recordPath(rel string) string {
	return filepath.Join(s.dir, rel+recordSuffix)
}

// LoadCompleted parses the completed log into a set of relative paths. A
// trailing line without a newline was never durably appended and is ignored.
func (s *ProgressStore) LoadCompleted() (map[string]struct{}, error) {
	completed := make(map[string]struct{})
	if !s.enabled {
		return completed, nil
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()

	f, err := os.Open(s.logPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open completed log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read completed log: %w", err)
		}

		rel := strings.TrimSuffix(line, "\n")
		if rel != "" {
			completed[rel] = struct{}{}
		}
	}

	return completed, nil
}

// RecordCompleted durably appends rel to the completed log. Each entry is
// written with a single append while holding the log lock.
func (s *ProgressStore) RecordCompleted(rel string) error {
	if !s.enabled {
		return nil
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()

	if s.log == nil {
		return fmt.Errorf("completed log is closed")
	}
	if _, err := s.log.WriteString(rel + "\n"); err != nil {
		return fmt.Errorf("failed to append %s to completed log: %w", rel, err)
	}
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("failed to sync completed log: %w", err)
	}
	return nil
}

// Lookup returns the persisted record for rel, or nil if there is none. A
// record that cannot be parsed was torn while being created and counts as
// zero bytes confirmed.
func (s *ProgressStore) Lookup(rel string) (*Progress, error) {
	if !s.enabled {
		return nil, nil
	}

	data, err := os.ReadFile(s.recordPath(rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress record for %s: %w", rel, err)
	}

	p, err := parseRecord(data)
	if errors.Is(err, ErrCorruptRecord) {
		return &Progress{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	return p, nil
}

// BeginProgress creates the offset record for rel, or re-opens an existing
// one. For a resumed file the persisted state is returned after checking its
// total against total; a fresh record returns nil. A mismatching record is
// left untouched on disk. An unparseable record is replaced by a fresh one.
func (s *ProgressStore) BeginProgress(rel string, total int64) (*Progress, error) {
	if !s.enabled {
		return nil, nil
	}

	path := s.recordPath(rel)
	f, err := os.OpenFile(path, os.O_RDWR, filePerm)
	if errors.Is(err, os.ErrNotExist) {
		return nil, s.createRecord(rel, total)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open progress record for %s: %w", rel, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read progress record for %s: %w", rel, err)
	}

	p, err := parseRecord(data)
	if errors.Is(err, ErrCorruptRecord) {
		f.Close()
		return nil, s.createRecord(rel, total)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	if p.Total != total {
		f.Close()
		return nil, fmt.Errorf("%s: %w: persisted %d, observed %d", rel, ErrTotalMismatch, p.Total, total)
	}

	s.register(rel, &liveRecord{f: f, current: p.Current, total: p.Total})
	return p, nil
}

// AdvanceProgress durably overwrites the confirmed offset for rel. It returns
// only after the record has been synced.
func (s *ProgressStore) AdvanceProgress(rel string, current int64) error {
	if !s.enabled {
		return nil
	}

	rec := s.lookupLive(rel)
	if rec == nil {
		return fmt.Errorf("no progress record open for %s", rel)
	}
	if current < rec.current {
		return fmt.Errorf("%s: %w: %d < %d", rel, ErrOffsetRegressed, current, rec.current)
	}

	if _, err := rec.f.WriteAt([]byte(formatOffset(current)), 0); err != nil {
		return fmt.Errorf("failed to update progress record for %s: %w", rel, err)
	}
	if err := rec.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync progress record for %s: %w", rel, err)
	}
	rec.current = current
	return nil
}

// FinishProgress deletes the offset record for rel. Finishing a path that has
// no record is not an error.
func (s *ProgressStore) FinishProgress(rel string) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	rec := s.live[rel]
	delete(s.live, rel)
	s.mu.Unlock()

	if rec != nil {
		rec.f.Close()
	}

	path := s.recordPath(rel)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove progress record for %s: %w", rel, err)
	}
	s.pruneRecordDirs(filepath.Dir(path))
	return nil
}

// Teardown deletes the completed log. The reserved directory itself is left
// for RemoveReservedDir once every file under the destination is settled.
func (s *ProgressStore) Teardown() error {
	if !s.enabled {
		return nil
	}

	s.closeLog()
	if err := os.Remove(s.logPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove completed log: %w", err)
	}
	return nil
}

// RemoveReservedDir removes the reserved directory. It fails if in-flight
// records remain inside it.
func (s *ProgressStore) RemoveReservedDir() error {
	if !s.enabled {
		return nil
	}
	if err := os.Remove(s.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", s.dir, err)
	}
	return nil
}

// Close releases open handles without deleting any durable state.
func (s *ProgressStore) Close() error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	for rel, rec := range s.live {
		rec.f.Close()
		delete(s.live, rel)
	}
	s.mu.Unlock()

	return s.closeLog()
}

func (s *ProgressStore) closeLog() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}

// createRecord writes a zero-offset record for rel to a temporary file and
// renames it into place, so a record on disk is either absent or complete.
func (s *ProgressStore) createRecord(rel string, total int64) error {
	path := s.recordPath(rel)
	tmp := path + tmpSuffix

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create progress record for %s: %w", rel, err)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create progress record for %s: %w", rel, err)
	}
	if err := writeRecord(f, 0, total); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write progress record for %s: %w", rel, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to install progress record for %s: %w", rel, err)
	}
	syncDir(filepath.Dir(path))

	// The open handle follows the rename.
	s.register(rel, &liveRecord{f: f, current: 0, total: total})
	return nil
}

func (s *ProgressStore) register(rel string, rec *liveRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.live[rel]; old != nil {
		old.f.Close()
	}
	s.live[rel] = rec
}

func (s *ProgressStore) lookupLive(rel string) *liveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[rel]
}

// pruneRecordDirs removes now-empty record directories between dir and the
// reserved directory.
func (s *ProgressStore) pruneRecordDirs(dir string) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	for dir != s.dir && strings.HasPrefix(dir, s.dir+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func formatOffset(current int64) string {
	return fmt.Sprintf("%*d\n", offsetWidth, current)
}

func writeRecord(f *os.File, current, total int64) error {
	if _, err := f.WriteAt([]byte(formatOffset(current)+strconv.FormatInt(total, 10)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

func parseRecord(data []byte) (*Progress, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return nil, ErrCorruptRecord
	}

	current, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad offset line: %v", ErrCorruptRecord, err)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad total line: %v", ErrCorruptRecord, err)
	}
	if current < 0 || total < 0 || current > total {
		return nil, fmt.Errorf("%w: offset %d outside [0, %d]", ErrCorruptRecord, current, total)
	}

	return &Progress{Current: current, Total: total}, nil
}

// dropTornEntry truncates the log to just after its last newline. A crash
// mid-append leaves a partial last line that the next append would extend.
func dropTornEntry(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return truncateSync(f, keep)
		}
		end = start
	}
	return truncateSync(f, 0)
}

func truncateSync(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}

// syncDir flushes a directory entry change. Errors are ignored: not every
// filesystem supports syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
