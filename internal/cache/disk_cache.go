package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const diskEntryExt = ".bin"

// DiskStore implements Store on the filesystem.
// Layout: <cache_folder>/<escaped bucket>/<sha256(key)>.bin
// Each entry file starts with the key on its own line, followed by the value.
type DiskStore struct {
	cacheDir string
	mu       sync.RWMutex
}

// NewDisk creates a new disk store rooted at cacheDir
func NewDisk(cacheDir string) *DiskStore {
	return &DiskStore{
		cacheDir: cacheDir,
	}
}

// Init ensures the cache directory exists
func (d *DiskStore) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskStore) Close() error { return nil }

// escapeBucket turns a bucket name into a single directory name below the cache folder
func escapeBucket(bucket string) string {
	escaped := url.PathEscape(bucket)
	if escaped == "." || escaped == ".." {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}

func (d *DiskStore) bucketDir(bucket string) string {
	return filepath.Join(d.cacheDir, escapeBucket(bucket))
}

// entryPath generates the file path of a key inside a bucket
func (d *DiskStore) entryPath(bucket, key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(d.bucketDir(bucket), hex.EncodeToString(hash[:])+diskEntryExt)
}

func (d *DiskStore) CreateBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.MkdirAll(d.bucketDir(bucket), 0755)
}

func (d *DiskStore) HasBucket(bucket string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasBucket(bucket)
}

func (d *DiskStore) hasBucket(bucket string) (bool, error) {
	if bucket == "" {
		return false, nil
	}
	info, err := os.Stat(d.bucketDir(bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (d *DiskStore) Buckets() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dirEntries, err := os.ReadDir(d.cacheDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			logrus.Warnf("Ignoring unexpected directory in cache folder: %s", e.Name())
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *DiskStore) DeleteBucket(bucket string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.hasBucket(bucket)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(d.bucketDir(bucket)); err != nil {
		return false, err
	}
	logrus.Debugf("Removed cache bucket directory: %s", d.bucketDir(bucket))
	return true, nil
}

// Get retrieves a cached value if it exists
func (d *DiskStore) Get(bucket, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.entryPath(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(storedKey) != key {
		return nil, fmt.Errorf("corrupted cache file %s", d.entryPath(bucket, key))
	}
	return value, nil
}

func (d *DiskStore) Set(bucket, key string, value []byte) error {
	return d.SetMany(bucket, map[string][]byte{key: value})
}

// SetMany writes every entry to a temporary file first, then moves them in place.
// Entries being replaced are kept aside until every move succeeded, so a failure
// leaves the bucket as it was.
func (d *DiskStore) SetMany(bucket string, entries map[string][]byte) error {
	for key := range entries {
		if strings.Contains(key, "\n") {
			return fmt.Errorf("invalid cache key %q: contains a newline", key)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.hasBucket(bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	tmpFiles := make(map[string]string, len(entries))
	for key, value := range entries {
		target := d.entryPath(bucket, key)
		tmp := target + ".tmp"
		data := make([]byte, 0, len(key)+1+len(value))
		data = append(data, key...)
		data = append(data, '\n')
		data = append(data, value...)
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			for _, written := range tmpFiles {
				_ = os.Remove(written)
			}
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to write cache file: %w", err)
		}
		tmpFiles[target] = tmp
	}

	var moved []string
	backups := map[string]string{}
	rollback := func() {
		for _, target := range moved {
			_ = os.Remove(target)
		}
		for target, backup := range backups {
			_ = os.Rename(backup, target)
		}
		for _, tmp := range tmpFiles {
			_ = os.Remove(tmp)
		}
	}

	for target, tmp := range tmpFiles {
		if _, err := os.Lstat(target); err == nil {
			backup := target + ".bak"
			if err := os.Rename(target, backup); err != nil {
				rollback()
				return fmt.Errorf("failed to set aside cache file: %w", err)
			}
			backups[target] = backup
		}
		if err := os.Rename(tmp, target); err != nil {
			rollback()
			return fmt.Errorf("failed to move cache file in place: %w", err)
		}
		delete(tmpFiles, target)
		moved = append(moved, target)
		logrus.Debugf("Cached entry: %s", target)
	}

	for _, backup := range backups {
		_ = os.Remove(backup)
	}
	return nil
}

func (d *DiskStore) Delete(bucket, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(d.entryPath(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *DiskStore) Keys(bucket string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dirEntries, err := os.ReadDir(d.bucketDir(bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), diskEntryExt) {
			continue
		}
		key, err := readKeyLine(filepath.Join(d.bucketDir(bucket), e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func readKeyLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key, _, ok := bytes.Cut(data, []byte("\n"))
	if !ok {
		return "", fmt.Errorf("corrupted cache file %s", path)
	}
	return string(key), nil
}
