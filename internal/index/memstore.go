package index

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemStore is an in-memory [DocumentStore]. It is the default backend and
// the one used in tests; deployments that want the index to survive
// restarts configure [PostgresStore] instead.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// Compile-time interface check.
var _ DocumentStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory document store.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]Document)}
}

// UpsertBatch inserts or replaces the given documents.
func (s *MemStore) UpsertBatch(_ context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.docs[doc.ToolID] = doc
	}
	return nil
}

// Delete removes the documents with the given tool ids.
func (s *MemStore) Delete(_ context.Context, toolIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range toolIDs {
		delete(s.docs, id)
	}
	return nil
}

// Get retrieves one document by tool id, (nil, nil) on a miss.
func (s *MemStore) Get(_ context.Context, toolID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[toolID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

// All returns every stored document ordered by tool id.
func (s *MemStore) All(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	sortDocs(docs)
	return docs, nil
}

// ByServer returns the documents of one server ordered by tool id.
func (s *MemStore) ByServer(_ context.Context, serverID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []Document
	for _, doc := range s.docs {
		if doc.ServerID == serverID {
			docs = append(docs, doc)
		}
	}
	sortDocs(docs)
	return docs, nil
}

// Versions returns the version fingerprint of every stored document.
func (s *MemStore) Versions(_ context.Context) (map[string]VersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make(map[string]VersionInfo, len(s.docs))
	for id, doc := range s.docs {
		versions[id] = VersionInfo{ServerID: doc.ServerID, ToolVersion: doc.ToolVersion}
	}
	return versions, nil
}

// Count reports the number of stored documents.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// Clear removes every stored document.
func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.docs)
	return nil
}

func sortDocs(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(a.ToolID, b.ToolID)
	})
}
