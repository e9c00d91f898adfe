// Package store wraps a BoltDB database for relay persistence. The
// registry, queue, and auth components each own their buckets; values are
// JSON, keys are ids or RFC3339Nano timestamps for chronological cursor
// scans.
package store

import (
	"bytes"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketServices     = []byte("services")
	bucketEvents       = []byte("service_events")
	bucketDependencies = []byte("dependencies")
	bucketQueue        = []byte("queue")
	bucketDeadLetter   = []byte("dead_letter")
	bucketCredentials  = []byte("credentials")
	bucketSettings     = []byte("settings")
)

// Store wraps a BoltDB database for relay persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketServices, bucketEvents, bucketDependencies, bucketQueue, bucketDeadLetter, bucketCredentials, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Backup writes a consistent snapshot of the database to path using an
// atomic write (temp file + rename).
func (s *Store) Backup(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		_, werr := tx.WriteTo(f)
		return werr
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write backup: %w", err)
	}
	return os.Rename(tmp, path)
}

// --- Service registrations ---

// SaveService stores a registration row keyed by service id.
func (s *Store) SaveService(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Put([]byte(id), data)
	})
}

// DeleteService removes a registration row.
func (s *Store) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// ListServices returns all persisted registration rows keyed by id.
func (s *Store) ListServices() (map[string][]byte, error) {
	rows := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			rows[string(k)] = data
			return nil
		})
	})
	return rows, err
}

// --- Service lifecycle events ---

// AppendEvent stores a lifecycle event. Key format:
// "{RFC3339Nano}::{eventID}" so a cursor scan yields chronological order.
func (s *Store) AppendEvent(eventID string, ts time.Time, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(fmt.Sprintf("%s::%s", ts.UTC().Format(time.RFC3339Nano), eventID))
		return tx.Bucket(bucketEvents).Put(key, data)
	})
}

// ListEvents returns the most recent events, newest first, up to limit.
func (s *Store) ListEvents(limit int) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// PruneEvents deletes events older than cutoff. Returns the number removed.
func (s *Store) PruneEvents(cutoff time.Time) (int, error) {
	boundary := []byte(cutoff.UTC().Format(time.RFC3339Nano))
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, boundary) < 0; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Dependency graph ---

// SaveDependencies stores the dependency list for a service as JSON.
func (s *Store) SaveDependencies(serviceID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).Put([]byte(serviceID), data)
	})
}

// GetDependencies loads the dependency list for a service.
// Returns nil, nil when none are stored.
func (s *Store) GetDependencies(serviceID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDependencies).Get([]byte(serviceID))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// DeleteDependencies removes the dependency list for a service.
func (s *Store) DeleteDependencies(serviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).Delete([]byte(serviceID))
	})
}

// --- Message queue index ---

// SaveQueueIndex persists the serialized queue index.
func (s *Store) SaveQueueIndex(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Put([]byte("index"), data)
	})
}

// LoadQueueIndex loads the persisted queue index.
// Returns nil, nil if nothing is saved.
func (s *Store) LoadQueueIndex() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketQueue).Get([]byte("index"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// --- Dead letters ---

// AppendDeadLetter records a terminally failed or expired message.
// Key format: "{RFC3339Nano}::{messageID}".
func (s *Store) AppendDeadLetter(messageID string, ts time.Time, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(fmt.Sprintf("%s::%s", ts.UTC().Format(time.RFC3339Nano), messageID))
		return tx.Bucket(bucketDeadLetter).Put(key, data)
	})
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(limit int) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// TrimDeadLetters removes all but the keep most recent dead letters.
func (s *Store) TrimDeadLetters(keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[:len(keys)-keep] {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Auth credentials ---

// SaveCredential stores a credential record keyed by its id.
func (s *Store) SaveCredential(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(id), data)
	})
}

// GetCredential loads a credential record. Returns nil, nil when absent.
func (s *Store) GetCredential(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get([]byte(id))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// DeleteCredential removes a credential record.
func (s *Store) DeleteCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(id))
	})
}

// ListCredentials returns all credential records keyed by id.
func (s *Store) ListCredentials() (map[string][]byte, error) {
	rows := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			rows[string(k)] = data
			return nil
		})
	})
	return rows, err
}

// --- Settings ---

// SaveSetting stores a setting key-value pair.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key. Returns empty string if absent.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}
