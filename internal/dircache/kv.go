package dircache

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a key is not found in the blob store.
	ErrNotFound = errors.New("key not found")
	// ErrStoreLocked is returned by OpenKV while another process has the cache open.
	ErrStoreLocked = errors.New("directory cache is held by another process")
)

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

const (
	maxKeySize   = 64
	maxValueSize = 64 << 20 // Listings of very large directories
)

// BlobStore is the persistence behind the directory cache. Everything in it
// is disposable.
type BlobStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// FoldSizes visits every key with the size of its stored (compressed) value.
	FoldSizes(fn func(key []byte, storedSize int) error) error
}

// KV wraps a bitcask database holding gzip-compressed cache blobs.
type KV struct {
	db           *bitcask.Bitcask
	sync.RWMutex // Guards db across goroutines of one process
}

// OpenKV opens (or creates) the bitcask directory at path.
func OpenKV(path string) (*KV, error) {
	// Ensure the parent directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}

	db, err := bitcask.Open(path,
		bitcask.WithMaxKeySize(maxKeySize),
		bitcask.WithMaxValueSize(maxValueSize),
	)
	if errors.Is(err, bitcask.ErrDatabaseLocked) {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask cache at %s: %w", path, err)
	}
	log.Debugf("Cache store opened at %s", path)
	return &KV{db: db}, nil
}

// Close safely closes the store.
func (k *KV) Close() error {
	k.Lock()
	defer k.Unlock()
	return k.db.Close()
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (k *KV) Get(key []byte) ([]byte, error) {
	k.RLock()
	value, err := k.db.Get(key)
	k.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair.
func (k *KV) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	k.Lock()
	err = k.db.Put(key, compressedValue)
	k.Unlock()
	if err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (k *KV) Delete(key []byte) error {
	k.Lock()
	err := k.db.Delete(key)
	k.Unlock()
	if err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// FoldSizes iterates over all keys without decompressing their values.
func (k *KV) FoldSizes(fn func(key []byte, storedSize int) error) error {
	k.RLock()
	defer k.RUnlock()

	return k.db.Fold(func(key []byte) error {
		// Keep the read lock for the duration of Fold
		rawValue, err := k.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			return nil
		}
		return fn(key, len(rawValue))
	})
}

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warnf("Error decompressing value, returning raw data.")
		return value, nil
	}
	return decompressedValue, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil { // Close flushes
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
