// Package filestore implements [storage.Storage] on top of a directory,
// one file per key.
//
// File names are the xxhash64 of the key so that arbitrary cache keys map to
// safe names. File bodies are snappy-compressed frames holding the key (so
// Keys can be answered from disk) followed by the value.
package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/shopfront/freshness/pkg/storage"
)

const (
	fileExt  = ".kv"
	filePerm = 0o600
	dirPerm  = 0o700
)

// Store is a directory-backed storage.Storage.
type Store struct {
	dir string

	mu    sync.Mutex
	sizes map[string]int64 // file name -> bytes on disk
	used  int64

	// MaxBytes bounds the total size of all files. Zero means unbounded.
	MaxBytes int64
}

var _ storage.Storage = (*Store)(nil)

// Open opens (creating if needed) a store rooted at dir.
func Open(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("filestore: failed to create %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		sizes:    make(map[string]int64),
		MaxBytes: maxBytes,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.sizes[e.Name()] = info.Size()
		s.used += info.Size()
	}

	return s, nil
}

func fileName(key string) string {
	return fmt.Sprintf("%016x%s", xxhash.Sum64String(key), fileExt)
}

func encodeFrame(key string, value []byte) []byte {
	frame := make([]byte, binary.MaxVarintLen64+len(key)+len(value))
	n := binary.PutUvarint(frame, uint64(len(key)))
	n += copy(frame[n:], key)
	n += copy(frame[n:], value)
	return snappy.Encode(nil, frame[:n])
}

func decodeFrame(body []byte) (string, []byte, error) {
	frame, err := snappy.Decode(nil, body)
	if err != nil {
		return "", nil, fmt.Errorf("filestore: corrupt file: %w", err)
	}
	keyLen, n := binary.Uvarint(frame)
	if n <= 0 || uint64(len(frame)-n) < keyLen {
		return "", nil, errors.New("filestore: corrupt frame header")
	}
	key := string(frame[n : n+int(keyLen)])
	return key, frame[n+int(keyLen):], nil
}

func (s *Store) GetItem(key string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(s.dir, fileName(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	storedKey, value, err := decodeFrame(body)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		// hash collision with a different key
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetItem(key string, value []byte) error {
	body := encodeFrame(key, value)
	name := fileName(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	newUsed := s.used - s.sizes[name] + int64(len(body))
	if s.MaxBytes > 0 && newUsed > s.MaxBytes {
		return storage.ErrQuotaExceeded
	}

	tmp, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return mapDiskFull(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapDiskFull(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapDiskFull(err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}

	s.sizes[name] = int64(len(body))
	s.used = newUsed
	return nil
}

func (s *Store) RemoveItem(key string) error {
	name := fileName(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.used -= s.sizes[name]
	delete(s.sizes, name)
	return nil
}

// Keys reads every file header. Unreadable files are skipped.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.sizes))
	for name := range s.sizes {
		names = append(names, name)
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(names))
	for _, name := range names {
		body, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		key, _, err := decodeFrame(body)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Used reports the bytes on disk counted against MaxBytes.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func mapDiskFull(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", storage.ErrQuotaExceeded, err)
	}
	return err
}
