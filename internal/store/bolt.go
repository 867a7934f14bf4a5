package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevice   = []byte("device")
	bucketSessions = []byte("sessions")
	keyIdentity    = []byte("identity")
	keyFeatures    = []byte("features")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevice, bucketSessions} {
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

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveIdentity(id *Identity) error {
	return s.put(bucketDevice, keyIdentity, id)
}

func (s *BoltStore) GetIdentity() (*Identity, error) {
	var id Identity
	if err := s.get(bucketDevice, keyIdentity, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *BoltStore) UpdateIdentity(fn func(id *Identity) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		var id Identity
		if data := b.Get(keyIdentity); data != nil {
			if err := json.Unmarshal(data, &id); err != nil {
				return err
			}
		}
		if err := fn(&id); err != nil {
			return err
		}
		data, err := json.Marshal(&id)
		if err != nil {
			return err
		}
		return b.Put(keyIdentity, data)
	})
}

func (s *BoltStore) SaveFeatures(f *Features) error {
	return s.put(bucketDevice, keyFeatures, f)
}

func (s *BoltStore) GetFeatures() (*Features, error) {
	var f Features
	if err := s.get(bucketDevice, keyFeatures, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// AppendSession stores a session record under the next sequence number and
// sets its ID.
func (s *BoltStore) AppendSession(rec *Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(sessionKey(id), data)
	})
}

// ListSessions returns up to limit records, newest first. A limit of zero
// or less returns all of them.
func (s *BoltStore) ListSessions(limit int) ([]*Session, error) {
	var out []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil // no bucket = no sessions
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Session
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// PruneSessions deletes all but the newest keep records and returns how
// many were removed.
func (s *BoltStore) PruneSessions(keep int) (int, error) {
	keep = max(keep, 0)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		keys = keys[:len(keys)-keep]
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}

func sessionKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
