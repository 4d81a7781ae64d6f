package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStore is an in-process ObjectStore for local runs and tests. Presigned URLs
// point at BaseURL, which the caller may serve.
type MemoryStore struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://objects"
	}
	return &MemoryStore{BaseURL: baseURL, objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := readLimited(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put object: size mismatch (%d != %d)", len(data), size)
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get object %w", ErrObjectNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?expires=%d", m.BaseURL, url.PathEscape(key), int64(expiry.Seconds())), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Keys lists stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ObjectStore = (*MemoryStore)(nil)
