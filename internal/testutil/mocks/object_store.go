package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ObjectStore is an in-memory stand-in for the archive bucket.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr fails the next Put and then clears, for exercising the
	// partial-failure path of an archival run.
	PutErr error

	PutCalls    int
	DeleteCalls int
}

// NewObjectStore creates an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PutErr != nil {
		err := s.PutErr
		s.PutErr = nil
		return err
	}
	s.PutCalls++
	s.objects[key] = append([]byte{}, data...)
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, data...), true, nil
}

func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.DeleteCalls++
	delete(s.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
