package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandpit-io/sandpit/internal/errs"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore keeps objects in a map. It backs tests and credential-less
// development runs; contents vanish on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errs.Storage("Storage.UploadFailed", "upload %s: %v", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return errs.Storage("Storage.UploadFailed",
			"upload %s: declared %d bytes, read %d", key, size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{
		data:        data,
		contentType: contentType,
		modified:    time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()

	if !ok {
		return nil, 0, errs.NotFound("Storage.ObjectNotFound", "object %s does not exist", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deleting a missing key succeeds, matching S3.
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	// S3 signs URLs without checking the key; fetching a missing object
	// fails later. Mirror that so callers verify existence themselves.
	return fmt.Sprintf("https://memory.invalid/%s?X-Expires=%d", key, int(ttl.Seconds())), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
