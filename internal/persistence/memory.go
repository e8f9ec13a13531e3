package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/quiltmesh/quilt/internal/engine"
)

// defaultCompactAfter is how many appended updates a document accumulates
// before the log is collapsed into a single snapshot
const defaultCompactAfter = 100

// MemoryStore is an in-memory Persistence backed by a per-document update
// log. Bind replays the log into the engine, Update appends, and both Update
// (past a threshold) and Unbind compact the log into one snapshot encoded by
// the engine itself.
//
// It exists for tests and single-process deployments that want documents to
// survive coordinator idle teardown without external storage.
type MemoryStore struct {
	mu           sync.Mutex
	logs         map[string][][]byte
	compactAfter int
}

// NewMemoryStore creates an empty in-memory persistence store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:         make(map[string][][]byte),
		compactAfter: defaultCompactAfter,
	}
}

// Bind replays the stored update log into the engine.
// The returned state counts updates appended since bind.
func (m *MemoryStore) Bind(_ context.Context, doc string, eng engine.Engine) (any, error) {
	m.mu.Lock()
	stored := make([][]byte, len(m.logs[doc]))
	copy(stored, m.logs[doc])
	m.mu.Unlock()

	for i, update := range stored {
		if err := eng.ApplyUpdate(update); err != nil {
			return nil, fmt.Errorf("persistence: replay update %d of %q: %w", i, doc, err)
		}
	}
	return 0, nil
}

// Update appends the update to the document's log, compacting when the log
// grows past the threshold
func (m *MemoryStore) Update(_ context.Context, state any, update []byte, doc string, eng engine.Engine) (any, error) {
	count, _ := state.(int)

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(update))
	copy(stored, update)
	m.logs[doc] = append(m.logs[doc], stored)

	if len(m.logs[doc]) >= m.compactAfter {
		snapshot, err := eng.Diff(nil)
		if err != nil {
			return nil, fmt.Errorf("persistence: compact %q: %w", doc, err)
		}
		m.logs[doc] = [][]byte{snapshot}
	}
	return count + 1, nil
}

// Unbind collapses the log into a single snapshot of the final engine state
func (m *MemoryStore) Unbind(_ context.Context, _ any, doc string, eng engine.Engine) error {
	snapshot, err := eng.Diff(nil)
	if err != nil {
		return fmt.Errorf("persistence: snapshot %q: %w", doc, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[doc] = [][]byte{snapshot}
	return nil
}

// LogLen returns the number of stored updates for a document
func (m *MemoryStore) LogLen(doc string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[doc])
}
