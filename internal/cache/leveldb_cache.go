package cache

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key layout:
//
//	b:<bucket>              bucket marker
//	e:<bucket>\x00<key>     entry value
const (
	levelBucketPrefix = "b:"
	levelEntryPrefix  = "e:"
	levelSep          = "\x00"
)

// LevelDBStore implements Store on top of a goleveldb database
type LevelDBStore struct {
	path string
	db   *leveldb.DB

	// serializes bucket creation/deletion against writes
	mu sync.RWMutex
}

// NewLevelDB creates a store backed by the leveldb database at path
func NewLevelDB(path string) *LevelDBStore {
	return &LevelDBStore{path: path}
}

// Init opens (or creates) the database
func (l *LevelDBStore) Init() error {
	if l.db != nil {
		return nil
	}
	db, err := leveldb.OpenFile(l.path, nil)
	if err != nil {
		return fmt.Errorf("failed to open leveldb at %s: %w", l.path, err)
	}
	l.db = db
	return nil
}

func (l *LevelDBStore) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func bucketMarker(bucket string) []byte {
	return []byte(levelBucketPrefix + bucket)
}

func entryPrefix(bucket string) []byte {
	return []byte(levelEntryPrefix + bucket + levelSep)
}

func entryKey(bucket, key string) []byte {
	return []byte(levelEntryPrefix + bucket + levelSep + key)
}

func validBucketName(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket name is required")
	}
	if strings.Contains(bucket, levelSep) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}

func (l *LevelDBStore) CreateBucket(bucket string) error {
	if err := validBucketName(bucket); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(bucketMarker(bucket), nil, nil)
}

func (l *LevelDBStore) HasBucket(bucket string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.Has(bucketMarker(bucket), nil)
}

func (l *LevelDBStore) Buckets() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	it := l.db.NewIterator(util.BytesPrefix([]byte(levelBucketPrefix)), nil)
	defer it.Release()

	out := []string{}
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(levelBucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *LevelDBStore) DeleteBucket(bucket string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.db.Has(bucketMarker(bucket), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(bucket)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(bucketMarker(bucket))

	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	logrus.Debugf("Removed leveldb bucket %s (%d entries)", bucket, batch.Len()-1)
	return true, nil
}

func (l *LevelDBStore) Get(bucket, key string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	value, err := l.db.Get(entryKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (l *LevelDBStore) Set(bucket, key string, value []byte) error {
	return l.SetMany(bucket, map[string][]byte{key: value})
}

func (l *LevelDBStore) SetMany(bucket string, entries map[string][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.db.Has(bucketMarker(bucket), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	batch := new(leveldb.Batch)
	for key, value := range entries {
		batch.Put(entryKey(bucket, key), value)
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBStore) Delete(bucket, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := entryKey(bucket, key)
	ok, err := l.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := l.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LevelDBStore) Keys(bucket string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix := entryPrefix(bucket)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	out := []string{}
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
