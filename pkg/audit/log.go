// Package audit is a bbolt-backed, append-only record of callback
// delivery attempts, kept for forensic purposes only. It is explicitly
// not part of the dispatcher's recovery path: the in-memory task map
// remains the sole source of truth for the lifetime of the process, and
// this log is never read back to reconstruct state.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDeliveries = []byte("deliveries")

// Entry is one recorded callback delivery attempt.
type Entry struct {
	TaskID    string    `json:"taskId"`
	Sequence  int       `json:"sequence"`
	Status    string    `json:"status"`
	Outcome   string    `json:"outcome"` // accepted | permanent_reject | retry | exhausted
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only bbolt store of delivery entries, keyed by
// taskId/sequence/attempt so repeated attempts never overwrite each
// other.
type Log struct {
	db *bolt.DB
}

// Open creates or opens the audit database at path, creating its parent
// directory and bucket as needed.
func Open(path string) (*Log, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeliveries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends a delivery attempt. A write failure here is logged by
// the caller and otherwise ignored — the audit log is never load-bearing
// for task correctness.
func (l *Log) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s/%08d/%04d", e.TaskID, e.Sequence, e.Attempt)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeliveries)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// ForTask returns every recorded entry whose key is prefixed by taskId,
// in key order (and therefore in sequence/attempt order).
func (l *Log) ForTask(taskID string) ([]Entry, error) {
	var entries []Entry
	prefix := []byte(taskID + "/")

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeliveries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
