package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the artifact store port. Put has PUT-if-absent semantics:
// writing an existing key is a silent no-op, so retried batches never
// overwrite earlier artifacts.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
}

// FSStore writes gzip-encoded packs under a base directory, one file per
// key. Objects are write-once.
type FSStore struct {
	Base string
}

// Put writes the gzip-encoded object unless the key already exists.
// The gzip header carries a zero ModTime so identical payloads produce
// identical bytes.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.Base, filepath.FromSlash(key))

	if _, err := os.Stat(path); err == nil {
		return nil // write-once: key exists
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("artifact stat %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact mkdir for %s: %w", key, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.ModTime = time.Time{}
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("artifact gzip %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact gzip close %s: %w", key, err)
	}

	// temp-and-rename keeps partially written objects invisible
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("artifact write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifact rename %s: %w", key, err)
	}
	return nil
}

// Load reads and decompresses a pack file written by FSStore.
func (s *FSStore) Load(key string) (*Pack, error) {
	path := filepath.Join(s.Base, filepath.FromSlash(key))
	return LoadFile(path)
}

// LoadFile reads a pack from a gzip or plain JSON file.
func LoadFile(path string) (*Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip pack %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack %s: %w", path, err)
	}
	return Unmarshal(data)
}

// MemStore is the in-memory artifact store used by tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Put implements Store with PUT-if-absent semantics.
func (s *MemStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return nil
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[key] = copied
	return nil
}

// Get returns a stored object.
func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Keys returns all stored keys (unordered).
func (s *MemStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func dateUTC(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02")
}
