package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/audiencesync/internal/store"
)

// ErrInjected is returned by MemoryKV writes after FailWrites.
var ErrInjected = errors.New("injected failure")

// MemoryKV is an in-memory store.KV with prefix listing.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	failOn map[string]bool
}

var _ store.KV = (*MemoryKV)(nil)

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte), failOn: make(map[string]bool)}
}

// Get implements store.KV.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put implements store.KV.
func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[key] {
		return ErrInjected
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove implements store.KV.
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[key] {
		return ErrInjected
	}
	delete(m.data, key)
	return nil
}

// Keys returns the keys starting with prefix, sorted.
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FailWrites makes Put and Remove of key fail until RestoreWrites.
func (m *MemoryKV) FailWrites(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[key] = true
}

// RestoreWrites undoes FailWrites.
func (m *MemoryKV) RestoreWrites(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOn, key)
}

// Raw returns the stored document for key as a string, or "" when absent.
func (m *MemoryKV) Raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[key])
}

// OpenStore opens a SQLite store in a temp dir, closed on cleanup.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audiencesync.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
