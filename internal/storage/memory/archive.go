// Package memory stores scan artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive holds artifacts in-memory and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArchive creates a new in-memory archive.
func NewArchive() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// Put stores the content and returns a memory:// URI.
func (a *Archive) Put(_ context.Context, object string, _ string, data []byte) (string, error) {
	if object == "" {
		return "", fmt.Errorf("object name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[object] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", object), nil
}

// Get returns a stored artifact. Used by tests to assert on archived content.
func (a *Archive) Get(object string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[object]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports the number of stored artifacts.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data)
}
