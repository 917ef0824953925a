package index

import "context"

// VersionInfo is the stored version fingerprint of one document, used by
// incremental refresh to detect changed and removed tools without loading
// full document bodies.
type VersionInfo struct {
	ServerID    string
	ToolVersion string
}

// DocumentStore persists index documents keyed by tool_id. Implementations
// must be safe for concurrent use.
type DocumentStore interface {
	// UpsertBatch inserts or replaces the given documents.
	UpsertBatch(ctx context.Context, docs []Document) error

	// Delete removes the documents with the given tool ids. Unknown ids
	// are ignored.
	Delete(ctx context.Context, toolIDs []string) error

	// Get retrieves one document by tool id. It returns (nil, nil) when
	// no such document exists.
	Get(ctx context.Context, toolID string) (*Document, error)

	// All returns every stored document, ordered by tool id.
	All(ctx context.Context) ([]Document, error)

	// ByServer returns the documents of one server, ordered by tool id.
	ByServer(ctx context.Context, serverID string) ([]Document, error)

	// Versions returns the version fingerprint of every stored document.
	Versions(ctx context.Context) (map[string]VersionInfo, error)

	// Count reports the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Clear removes every stored document.
	Clear(ctx context.Context) error
}
