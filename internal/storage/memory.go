package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps objects in process memory. It backs local
// development and tests; presigned URLs point at a fake scheme.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string][]byte),
		baseURL: baseURL,
	}
}

// Put stores an object directly, used to seed source assets.
func (m *MemoryStorage) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Get returns a copy of the stored object.
func (m *MemoryStorage) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys lists stored keys in sorted order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read upload body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Put(key, data)
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) PresignGet(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	q := url.Values{}
	q.Set("expires", time.Now().Add(expiry).UTC().Format(time.RFC3339))
	if filename != "" {
		q.Set("filename", filename)
	}
	return fmt.Sprintf("%s/%s?%s", m.baseURL, url.PathEscape(key), q.Encode()), nil
}
