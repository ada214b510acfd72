// Package journal records every privileged operation the helper executes in
// a local bbolt database, newest entries retained up to a fixed count. It is
// the audit trail behind "what did root run and what came of it".
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const entriesBucket = "operations"

// Entry is one recorded invocation.
type Entry struct {
	ID         uint64    `json:"id"`
	Token      string    `json:"token"`
	Member     string    `json:"member"`
	Op         string    `json:"op"`
	ReceivedAt time.Time `json:"received_at"`
	DurationMs int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal is the persistent operation log.
type Journal struct {
	db        *bolt.DB
	retention int
}

// Open opens or creates the journal at path. retention is the number of
// entries kept; older entries are pruned on append.
func Open(path string, retention int) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising journal %s: %w", path, err)
	}

	return &Journal{db: db, retention: retention}, nil
}

// Append records e, assigning its ID, and prunes entries beyond retention.
func (j *Journal) Append(e *Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		return prune(b, id, j.retention)
	})
}

// prune deletes entries older than the newest keep, given the newest ID.
// IDs are dense, so everything at or below newest-keep is excess.
func prune(b *bolt.Bucket, newest uint64, keep int) error {
	if keep <= 0 || newest <= uint64(keep) {
		return nil
	}
	cutoff := itob(newest - uint64(keep))

	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) <= 0; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	var entries []*Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(entriesBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})

	return entries, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
