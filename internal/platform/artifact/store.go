// Package artifact provides the object store the pipeline stages use as their
// data bus. It defines the Store interface, a thread-safe in-memory
// implementation for tests and local runs, and an S3-backed implementation.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrMissingKey = errors.New("artifact key is required")
)

// Content types used for pipeline artifacts.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is keyed object storage. Writes to an existing key replace it and
// reads return the latest write.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Locator is implemented by stores whose objects can be addressed directly
// by other cloud services.
type Locator interface {
	Location(key string) (bucket, objectKey string)
}

// Object describes a stored artifact.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	Hash        string
	UpdatedAt   time.Time
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	meta Object
	body []byte
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

// Put copies body and records its SHA-256 hash.
func (s *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	if key == "" {
		return ErrMissingKey
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	sum := sha256.Sum256(cp)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &storedObject{
		meta: Object{
			Key:         key,
			ContentType: contentType,
			Size:        int64(len(cp)),
			Hash:        hex.EncodeToString(sum[:]),
			UpdatedAt:   time.Now().UTC(),
		},
		body: cp,
	}
	s.writes++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(obj.body))
	copy(cp, obj.body)
	return cp, nil
}

// Stat returns the metadata of a stored artifact.
func (s *MemoryStore) Stat(key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj.meta, nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Writes returns the number of successful Put calls.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
