package upload

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps uploads in memory. Useful for tests and demos.
type MemoryStore struct {
	baseURL string

	mu    sync.RWMutex
	files map[string]*memoryFile
}

type memoryFile struct {
	info      FileInfo
	data      []byte
	createdAt time.Time
}

// NewMemoryStore creates an empty in-memory store. Locators are
// baseURL + "/" + id.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		files:   make(map[string]*memoryFile),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, info FileInfo, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	info.Size = int64(len(data))
	s.mu.Lock()
	s.files[info.ID] = &memoryFile{info: info, data: data, createdAt: time.Now()}
	s.mu.Unlock()
	return s.baseURL + "/" + info.ID, nil
}

// Open implements Store.
func (s *MemoryStore) Open(_ context.Context, id string) (*File, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &File{
		ID:          id,
		Filename:    f.info.Filename,
		ContentType: f.info.ContentType,
		Size:        f.info.Size,
		Reader:      io.NopCloser(bytes.NewReader(f.data)),
	}, nil
}

// Cleanup implements Store.
func (s *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.files {
		if f.createdAt.Before(cutoff) {
			delete(s.files, id)
		}
	}
	return nil
}

// Bytes returns the stored content for id.
func (s *MemoryStore) Bytes(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, false
	}
	return f.data, true
}

// Len returns the number of stored files.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
