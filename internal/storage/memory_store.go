package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// Object is a blob held by MemoryStore.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in process memory. It backs single-node
// deployments without a bucket and the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	clock   func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object), clock: time.Now}
}

// Put reads the whole body and stores it under key.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buffer bytes.Buffer
	if size > 0 {
		buffer.Grow(int(size))
	}
	if _, err := io.Copy(&buffer, r); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: buffer.Bytes(), ContentType: contentType}
	return nil
}

// Get returns the object stored under key.
func (m *MemoryStore) Get(key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	object, ok := m.objects[key]
	if !ok {
		return Object{}, ErrObjectNotFound
	}
	return object, nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// PresignGet returns an opaque memory:// locator carrying the expiry time.
func (m *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := m.Get(key); err != nil {
		return "", err
	}
	locator := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {m.clock().Add(expiry).UTC().Format(time.RFC3339)}}.Encode(),
	}
	return locator.String(), nil
}

// Delete removes an object. Missing keys are ignored.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
