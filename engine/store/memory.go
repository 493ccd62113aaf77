package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hybridengine/hybridengine/workflow"
)

// MemStore is an in-memory Store for tests and prototyping. Documents are
// deep-copied through JSON on both read and write so callers never share
// memory with the store, matching FileStore semantics.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]byte)}
}

// Exists reports whether a document is stored for the ID.
func (ms *MemStore) Exists(_ context.Context, id string) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.docs[id]
	return ok
}

// Get returns a copy of the stored document.
func (ms *MemStore) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	ms.mu.RLock()
	data, ok := ms.docs[id]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Write stamps UpdatedAt and stores an encoded copy of the document.
func (ms *MemStore) Write(_ context.Context, id string, wf *workflow.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	ms.docs[id] = data
	ms.mu.Unlock()
	return nil
}

// List returns copies of all documents, newest update first.
func (ms *MemStore) List(_ context.Context) ([]*workflow.Workflow, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]*workflow.Workflow, 0, len(ms.docs))
	for _, data := range ms.docs {
		var wf workflow.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			continue
		}
		out = append(out, &wf)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
