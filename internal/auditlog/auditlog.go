// Package auditlog keeps a local, durable record of prompt outcomes for
// post-mortem diagnosis when a sandbox is torn down before the control
// plane has a chance to persist the same information server-side.
//
// Grounded on the teacher's declared-but-unused go.etcd.io/bbolt
// dependency: this package is where it earns its place, giving the bridge
// a tiny embedded store it can read back without a network round trip.
package auditlog

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("prompts")

// Record is one completed prompt's outcome.
type Record struct {
	MessageID  string    `json:"message_id"`
	Model      string    `json:"model,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Store wraps a bbolt database file holding one bucket of Records keyed by
// message ID.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path, creating the prompts bucket
// if it doesn't already exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open auditlog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one prompt outcome, overwriting any prior record for the
// same message ID (a retried prompt keeps only its latest outcome).
func (s *Store) Record(r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("auditlog: marshal record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(r.MessageID), payload)
	})
}

// Get returns the stored record for messageID, if any.
func (s *Store) Get(messageID string) (Record, bool, error) {
	var rec Record
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(messageID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("auditlog: get record: %w", err)
	}
	return rec, found, nil
}

// Recent returns up to limit records in bbolt key order (byte order of the
// message IDs), keeping the last limit of that order. This is write order
// only when message IDs sort in the order they were recorded; a record that
// is overwritten keeps its key's position.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auditlog: scan records: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
