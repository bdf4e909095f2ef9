package cache

import (
	"fmt"
	"strings"
)

// Supported store backends
const (
	BackendMemory  = "memory"
	BackendDisk    = "disk"
	BackendLevelDB = "leveldb"
)

// New creates the store for the given backend. folder is ignored by the memory backend.
// The returned store still has to be initialized with Init.
func New(backend, folder string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendMemory:
		return NewMemory(), nil
	case BackendDisk:
		return NewDisk(folder), nil
	case BackendLevelDB:
		return NewLevelDB(folder), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", backend)
	}
}

// Open creates and initializes the store for the given backend
func Open(backend, folder string) (Store, error) {
	store, err := New(backend, folder)
	if err != nil {
		return nil, err
	}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", backend, err)
	}
	return store, nil
}
