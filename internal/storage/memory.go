package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{data: map[string]map[string][]byte{}}
}

func (s *memoryStore) Get(_ context.Context, collection, field string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[collection][field]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *memoryStore) Set(_ context.Context, collection, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := s.data[collection]
	if c == nil {
		c = map[string][]byte{}
		s.data[collection] = c
	}
	c[field] = cloneBytes(value)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, collection, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if c := s.data[collection]; c != nil {
		delete(c, field)
		if len(c) == 0 {
			delete(s.data, collection)
		}
	}
	return nil
}

func (s *memoryStore) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.data[collection]))
	for k, v := range s.data[collection] {
		out[k] = cloneBytes(v)
	}
	return out, nil
}

func (s *memoryStore) DeleteCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, collection)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
