package db

import (
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/content"
)

var databaseFileName = "history.db"

var contentBucket = []byte("content")

// KVStore is a Store backed by bolt with an LRU read cache in front of it.
type KVStore struct {
	db           *bolt.DB
	databasePath string
	cache        *lru.Cache[content.ID, []byte]
}

// Config options for the content db.
type Config struct {
	// CacheSize is the number of items kept in the read cache.
	CacheSize int
	// NoSync skips fsync after each commit. Only for tests.
	NoSync bool
}

// NewKVStore opens or creates the database file under dirPath and
// creates the buckets.
func NewKVStore(dirPath string, cfg *Config) (*KVStore, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	boltDB.NoSync = cfg.NoSync

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = constants.ContentCacheSize
	}
	cache, err := lru.New[content.ID, []byte](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create content cache")
	}

	kv := &KVStore{db: boltDB, databasePath: datafile, cache: cache}
	if err := kv.update(func(tx *bolt.Tx) error {
		return createBuckets(tx, contentBucket)
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

// Close closes the underlying bolt database.
func (s *KVStore) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *KVStore) DatabasePath() string {
	return s.databasePath
}

func (s *KVStore) update(fn func(*bolt.Tx) error) error {
	return s.db.Update(fn)
}

func (s *KVStore) view(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the value stored under id.
func (s *KVStore) Get(id content.ID) ([]byte, error) {
	if v, ok := s.cache.Get(id); ok {
		return append([]byte{}, v...), nil
	}
	var value []byte
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(contentBucket).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid for the life of the transaction
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, value)
	return append([]byte{}, value...), nil
}

// Put stores value under id, replacing any previous value.
func (s *KVStore) Put(id content.ID, value []byte) error {
	value = append([]byte{}, value...)
	if err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).Put(id[:], value)
	}); err != nil {
		return errors.Wrap(err, "could not store content")
	}
	s.cache.Add(id, value)
	return nil
}

// Has reports whether a value is stored under id.
func (s *KVStore) Has(id content.ID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	var exists bool
	err := s.view(func(tx *bolt.Tx) error {
		exists = tx.Bucket(contentBucket).Get(id[:]) != nil
		return nil
	})
	return exists, err
}

// Delete removes the value under id. Deleting a missing id is not an error.
func (s *KVStore) Delete(id content.ID) error {
	s.cache.Remove(id)
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).Delete(id[:])
	})
}

// Count returns the number of stored items.
func (s *KVStore) Count() (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(contentBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Size returns the db size in bytes.
func (s *KVStore) Size() (int64, error) {
	var size int64
	err := s.view(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}
