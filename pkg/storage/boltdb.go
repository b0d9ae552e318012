package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/sentinel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBehaviors = []byte("behaviors")
	bucketDecisions = []byte("decisions")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db           *bolt.DB
	maxDecisions int
}

// NewBoltStore opens (or creates) sentinel.db inside dataDir
func NewBoltStore(dataDir string, maxDecisions int) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sentinel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBehaviors, bucketDecisions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if maxDecisions <= 0 {
		maxDecisions = DefaultMaxDecisions
	}
	return &BoltStore{db: db, maxDecisions: maxDecisions}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveBehavior upserts the record for b.Identity
func (s *BoltStore) SaveBehavior(b *types.AppBehavior) error {
	if b.Identity == "" {
		return fmt.Errorf("behavior has no identity")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBehaviors).Put([]byte(b.Identity), data)
	})
}

func (s *BoltStore) GetBehavior(identity string) (*types.AppBehavior, error) {
	var b types.AppBehavior
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBehaviors).Get([]byte(identity))
		if data == nil {
			return fmt.Errorf("behavior %s: %w", identity, ErrNotFound)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ListBehaviors() ([]*types.AppBehavior, error) {
	var out []*types.AppBehavior
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBehaviors).ForEach(func(k, v []byte) error {
			var b types.AppBehavior
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteBehavior(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBehaviors).Delete([]byte(identity))
	})
}

// AppendDecision stores rec under the next sequence number and drops the
// oldest records beyond the retention limit
func (s *BoltStore) AppendDecision(rec *types.DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-s.maxDecisions; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDecisions returns up to limit records, oldest first. A non-positive
// limit returns everything retained.
func (s *BoltStore) ListDecisions(limit int) ([]*types.DecisionRecord, error) {
	var out []*types.DecisionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDecisions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec types.DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Collected newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
