package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps objects in a process-local map. Contents are lost on
// restart, which makes it suitable for ephemeral deployments and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (b *MemoryBackend) Put(_ context.Context, locator string, data []byte) error {
	// Copy so a caller mutating its buffer after Put cannot corrupt the
	// stored object.
	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = stored
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, locator string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[locator]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemoryBackend) Delete(_ context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, locator)
	return nil
}

func (b *MemoryBackend) Exists(_ context.Context, locator string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[locator]
	return ok, nil
}

func (b *MemoryBackend) Enumerate(_ context.Context) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]ObjectInfo, 0, len(b.objects))
	for locator, data := range b.objects {
		infos = append(infos, ObjectInfo{Locator: locator, Size: int64(len(data))})
	}
	return infos, nil
}
