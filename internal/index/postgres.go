package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the tool_documents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS tool_documents (
    tool_id            TEXT PRIMARY KEY,
    server_id          TEXT NOT NULL,
    tool_name          TEXT NOT NULL,
    tool_description   TEXT NOT NULL DEFAULT '',
    server_name        TEXT NOT NULL DEFAULT '',
    server_description TEXT NOT NULL DEFAULT '',
    parameters         JSONB NOT NULL DEFAULT '{}',
    category           TEXT NOT NULL DEFAULT '',
    tags               JSONB NOT NULL DEFAULT '[]',
    search_text        TEXT NOT NULL DEFAULT '',
    tool_version       TEXT NOT NULL,
    server_version     TEXT NOT NULL,
    last_discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    indexed_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tool_documents_server ON tool_documents(server_id);
CREATE INDEX IF NOT EXISTS idx_tool_documents_name ON tool_documents(tool_name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore is a [DocumentStore] backed by a PostgreSQL database.
// Parameters and tags are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ DocumentStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] over the given connection
// or pool. The caller is responsible for calling [PostgresStore.Migrate]
// before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the tool_documents table and
// its indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}

const documentColumns = `
	tool_id, server_id, tool_name, tool_description,
	server_name, server_description, parameters, category, tags,
	search_text, tool_version, server_version, last_discovered_at, indexed_at`

// UpsertBatch inserts or replaces the given documents in one transaction.
func (s *PostgresStore) UpsertBatch(ctx context.Context, docs []Document) error {
	const query = `
		INSERT INTO tool_documents (
			tool_id, server_id, tool_name, tool_description,
			server_name, server_description, parameters, category, tags,
			search_text, tool_version, server_version, last_discovered_at, indexed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (tool_id) DO UPDATE SET
			server_id = EXCLUDED.server_id,
			tool_name = EXCLUDED.tool_name,
			tool_description = EXCLUDED.tool_description,
			server_name = EXCLUDED.server_name,
			server_description = EXCLUDED.server_description,
			parameters = EXCLUDED.parameters,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			search_text = EXCLUDED.search_text,
			tool_version = EXCLUDED.tool_version,
			server_version = EXCLUDED.server_version,
			last_discovered_at = EXCLUDED.last_discovered_at,
			indexed_at = EXCLUDED.indexed_at`

	batch := &pgx.Batch{}
	for _, doc := range docs {
		paramsJSON, err := json.Marshal(emptyMap(doc.Parameters))
		if err != nil {
			return fmt.Errorf("index: marshal parameters of %q: %w", doc.ToolID, err)
		}
		tagsJSON, err := json.Marshal(emptySlice(doc.Tags))
		if err != nil {
			return fmt.Errorf("index: marshal tags of %q: %w", doc.ToolID, err)
		}
		batch.Queue(query,
			doc.ToolID, doc.ServerID, doc.ToolName, doc.ToolDescription,
			doc.ServerName, doc.ServerDescription, paramsJSON, doc.Category, tagsJSON,
			doc.SearchText, doc.ToolVersion, doc.ServerVersion, doc.LastDiscoveredAt, doc.IndexedAt,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("index: upsert batch: %w", err)
		}
	}
	return nil
}

// Delete removes the documents with the given tool ids.
func (s *PostgresStore) Delete(ctx context.Context, toolIDs []string) error {
	if len(toolIDs) == 0 {
		return nil
	}
	const query = `DELETE FROM tool_documents WHERE tool_id = ANY($1)`
	if _, err := s.db.Exec(ctx, query, toolIDs); err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}

// Get retrieves one document by tool id, (nil, nil) on a miss.
func (s *PostgresStore) Get(ctx context.Context, toolID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM tool_documents WHERE tool_id = $1`
	doc, err := scanDocument(s.db.QueryRow(ctx, query, toolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: get %q: %w", toolID, err)
	}
	return doc, nil
}

// All returns every stored document ordered by tool id.
func (s *PostgresStore) All(ctx context.Context) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM tool_documents ORDER BY tool_id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	return collectDocuments(rows)
}

// ByServer returns the documents of one server ordered by tool id.
func (s *PostgresStore) ByServer(ctx context.Context, serverID string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM tool_documents WHERE server_id = $1 ORDER BY tool_id`
	rows, err := s.db.Query(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("index: list by server: %w", err)
	}
	return collectDocuments(rows)
}

// Versions returns the version fingerprint of every stored document.
func (s *PostgresStore) Versions(ctx context.Context) (map[string]VersionInfo, error) {
	const query = `SELECT tool_id, server_id, tool_version FROM tool_documents`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index: versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]VersionInfo)
	for rows.Next() {
		var toolID string
		var info VersionInfo
		if err := rows.Scan(&toolID, &info.ServerID, &info.ToolVersion); err != nil {
			return nil, fmt.Errorf("index: versions scan: %w", err)
		}
		versions[toolID] = info
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: versions: %w", err)
	}
	return versions, nil
}

// Count reports the number of stored documents.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM tool_documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// Clear removes every stored document.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM tool_documents`); err != nil {
		return fmt.Errorf("index: clear: %w", err)
	}
	return nil
}

// scanDocument reads one row into a Document.
func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var paramsJSON, tagsJSON []byte
	err := row.Scan(
		&doc.ToolID, &doc.ServerID, &doc.ToolName, &doc.ToolDescription,
		&doc.ServerName, &doc.ServerDescription, &paramsJSON, &doc.Category, &tagsJSON,
		&doc.SearchText, &doc.ToolVersion, &doc.ServerVersion, &doc.LastDiscoveredAt, &doc.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(paramsJSON, &doc.Parameters); err != nil {
		return nil, fmt.Errorf("index: unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &doc.Tags); err != nil {
		return nil, fmt.Errorf("index: unmarshal tags: %w", err)
	}
	return &doc, nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	return docs, nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice so
// JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map so JSON
// marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
