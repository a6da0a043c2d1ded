package blockdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultFilename is the bbolt file inside the data directory.
const DefaultFilename = "chain.db"

// boltStore runs DB on bbolt. A batch is one long-lived write transaction;
// while it is open every read and write goes through it.
type boltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	batch *bolt.Tx
}

type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func (t boltTx) get(bucket, key []byte) []byte {
	b := t.bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

func (t boltTx) put(bucket, key, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t boltTx) del(bucket, key []byte) error {
	b := t.bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t boltTx) ascend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error {
	b := t.bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(from); k != nil; k, v = c.Next() {
		more, err := fn(k, v)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t boltTx) descend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error {
	b := t.bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	var k, v []byte
	if from == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(from)
		switch {
		case k == nil:
			k, v = c.Last()
		case bytes.Compare(k, from) > 0:
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		more, err := fn(k, v)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t boltTx) count(bucket []byte) int {
	b := t.bucket(bucket)
	if b == nil {
		return 0
	}
	return b.Stats().KeyN
}

// OpenBolt opens or creates the block store in dataDir.
func OpenBolt(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, DefaultFilename)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create buckets: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	log.WithField("path", path).Info("opened block store")
	return newDB(&boltStore{db: db}), nil
}

func (s *boltStore) view(fn func(kvTx) error) error {
	s.mu.Lock()
	if s.batch != nil {
		defer s.mu.Unlock()
		return fn(boltTx{s.batch})
	}
	s.mu.Unlock()
	return s.db.View(func(tx *bolt.Tx) error { return fn(boltTx{tx}) })
}

func (s *boltStore) update(fn func(kvTx) error) error {
	s.mu.Lock()
	if s.batch != nil {
		defer s.mu.Unlock()
		return fn(boltTx{s.batch})
	}
	s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return fn(boltTx{tx}) })
}

func (s *boltStore) batchStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return ErrBatchActive
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	s.batch = tx
	return nil
}

func (s *boltStore) batchStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	tx := s.batch
	s.batch = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *boltStore) batchAbort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	tx := s.batch
	s.batch = nil
	return tx.Rollback()
}

func (s *boltStore) sync() error {
	return s.db.Sync()
}

func (s *boltStore) close() error {
	s.mu.Lock()
	if s.batch != nil {
		_ = s.batch.Rollback()
		s.batch = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}
