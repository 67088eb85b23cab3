package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/tributary-data/tributary/pkg/errors"
)

// MemoryStore is an in-memory object store used in tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put writes an object under the given key
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStream, "failed to read object payload")
	}

	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()

	return nil
}

// List returns all objects under the prefix in key order
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []Ref
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			refs = append(refs, Ref{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })

	return refs, nil
}

// Open returns a random-access handle on one object
func (s *MemoryStore) Open(ctx context.Context, ref Ref) (Object, error) {
	s.mu.RLock()
	data, ok := s.objects[ref.Key]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeStream, "object %s not found", ref.Key)
	}

	return &memoryObject{ReaderAt: bytes.NewReader(data), size: int64(len(data))}, nil
}

// Delete removes every object under the prefix
func (s *MemoryStore) Delete(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}

	return nil
}

// URI renders the absolute location of a key
func (s *MemoryStore) URI(key string) string {
	return "mem://" + key
}

// Len returns the number of stored objects
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

type memoryObject struct {
	io.ReaderAt
	size int64
}

func (o *memoryObject) Size() int64 { return o.size }

func (o *memoryObject) Close() error { return nil }
