package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
)

// EntryState is the last recorded outcome for a destination file.
type EntryState string

const (
	StateSkipped            EntryState = "Skipped"
	StateCopied             EntryState = "Copied"
	StateVerified           EntryState = "Verified"
	StateFailedVerification EntryState = "FailedVerification"
	StateFailed             EntryState = "Failed"
)

// Entry is the journaled outcome of one file transfer unit.
type Entry struct {
	Destination string     `json:"destination"`
	Source      string     `json:"source"`
	State       EntryState `json:"state"`
	Bytes       int64      `json:"bytes"`
	Checksum    uint64     `json:"crc64,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Journal records transfer outcomes across runs.
type Journal interface {
	SaveEntry(entry *Entry) error
	Close() error
}

// BoltJournal is a Journal implementation backed by bbolt.
type BoltJournal struct {
	db *bbolt.DB
}

// OpenBoltJournal opens or creates the journal database at path.
func OpenBoltJournal(path string) (*BoltJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entries bucket: %w", err)
	}

	return &BoltJournal{db: db}, nil
}

// SaveEntry stores entry keyed by its destination path, replacing any
// previous outcome.
func (j *BoltJournal) SaveEntry(entry *Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(entriesBucket).Put([]byte(entry.Destination), data); err != nil {
			return fmt.Errorf("failed to put entry: %w", err)
		}
		return nil
	})
}

// Entries returns every journaled entry in destination path order.
func (j *BoltJournal) Entries() ([]*Entry, error) {
	var entries []*Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Tally counts the entries recorded at or after since, by state.
func (j *BoltJournal) Tally(since time.Time) (map[EntryState]int, error) {
	entries, err := j.Entries()
	if err != nil {
		return nil, err
	}
	counts := make(map[EntryState]int)
	for _, e := range entries {
		if !e.UpdatedAt.Before(since) {
			counts[e.State]++
		}
	}
	return counts, nil
}

// Close closes the underlying database.
func (j *BoltJournal) Close() error {
	return j.db.Close()
}
