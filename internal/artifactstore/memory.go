package artifactstore

import (
	"context"
	"sync"
)

type memoryObjects struct {
	mu      sync.RWMutex
	objects map[string]object
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string]object)}
}

func (m *memoryObjects) put(_ context.Context, key string, obj object) error {
	m.mu.Lock()
	m.objects[key] = object{
		data:        append([]byte(nil), obj.data...),
		contentType: obj.contentType,
		metadata:    cloneMetadata(obj.metadata),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) head(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}
