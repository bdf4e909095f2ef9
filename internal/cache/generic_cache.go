// Handles storage of cached HTTP responses
package cache

import "errors"

// ErrBucketNotFound is returned when writing to a bucket that was never created
var ErrBucketNotFound = errors.New("bucket not found")

// Store is a key/value byte store partitioned into named buckets.
// One bucket holds one generation of cached responses.
type Store interface {
	// initializes the store (e.g., creates necessary directories)
	Init() error
	// creates the bucket if it does not exist yet
	CreateBucket(bucket string) error
	HasBucket(bucket string) (bool, error)
	// lists bucket names, sorted
	Buckets() ([]string, error)
	// removes a bucket and all of its entries.
	// returns false when the bucket did not exist
	DeleteBucket(bucket string) (bool, error)
	// retrieves a value.
	// returns nil, nil when the bucket or the key does not exist
	Get(bucket, key string) ([]byte, error)
	// stores a value in an existing bucket
	Set(bucket, key string, value []byte) error
	// stores all values at once: either every entry is written or none is
	SetMany(bucket string, entries map[string][]byte) error
	// removes a single entry. returns false when it did not exist
	Delete(bucket, key string) (bool, error)
	// lists keys of a bucket, sorted
	Keys(bucket string) ([]string, error)
	// releases resources held by the store
	Close() error
}
