package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/toolfed/gateway/internal/catalogue"
	"github.com/toolfed/gateway/internal/registry"
)

// DefaultRefreshInterval is how often the background loop reconciles the
// index against live discovery when no interval is configured.
const DefaultRefreshInterval = 10 * time.Minute

// stopJoinTimeout bounds how long StopAutoRefresh waits for the background
// loop to finish its current cycle.
const stopJoinTimeout = 5 * time.Second

// RefreshStats summarises one incremental refresh cycle.
type RefreshStats struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Duration  time.Duration
}

// changeSet is the outcome of comparing a discovery round against the
// stored document versions.
type changeSet struct {
	added     []Document
	updated   []Document
	removed   []string
	unchanged int
}

// MetricsRecorder receives index telemetry. Implemented by observe.Metrics;
// a nil recorder disables recording.
type MetricsRecorder interface {
	RecordRefresh(ctx context.Context, stats RefreshStats)
	SetIndexedDocuments(ctx context.Context, n int)
}

// SearchResult is one search hit with its relevance score.
type SearchResult struct {
	Document Document
	Score    int
}

// Engine builds the tool index from live discovery and keeps it current
// through incremental refreshes.
type Engine struct {
	reg     *registry.Registry
	cat     *catalogue.Manager
	store   DocumentStore
	metrics MetricsRecorder
	topK    int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	now func() time.Time
}

// NewEngine creates an index engine. metrics may be nil; topK <= 0 falls
// back to 3 results per search.
func NewEngine(reg *registry.Registry, cat *catalogue.Manager, store DocumentStore, metrics MetricsRecorder, topK int) *Engine {
	if topK <= 0 {
		topK = 3
	}
	return &Engine{
		reg:     reg,
		cat:     cat,
		store:   store,
		metrics: metrics,
		topK:    topK,
		now:     time.Now,
	}
}

// BuildIndex performs a full rebuild: clears the store, discovers every
// server and writes fresh documents. Discovery honours the catalogue
// cache, so a rebuild right after startup reuses the bootstrap round
// instead of hitting every upstream twice. Servers that fail discovery
// simply contribute nothing.
func (e *Engine) BuildIndex(ctx context.Context) (int, error) {
	if err := e.store.Clear(ctx); err != nil {
		return 0, fmt.Errorf("index: clear before rebuild: %w", err)
	}

	discovered, failed := e.cat.DiscoverAll(ctx, false)
	docs := e.buildDocuments(discovered)

	if err := e.store.UpsertBatch(ctx, docs); err != nil {
		return 0, fmt.Errorf("index: write rebuilt documents: %w", err)
	}

	slog.Info("index rebuilt",
		"documents", len(docs),
		"servers", len(discovered),
		"failed_servers", len(failed))
	e.recordCount(ctx)
	return len(docs), nil
}

// RefreshIncremental reconciles the index against one discovery round,
// applying only the delta. Tools of servers that failed discovery but are
// still registered are left untouched rather than treated as removed.
func (e *Engine) RefreshIncremental(ctx context.Context) (RefreshStats, error) {
	start := e.now()

	discovered, failed := e.cat.DiscoverAll(ctx, true)
	changes, err := e.detectChanges(ctx, discovered, failed)
	if err != nil {
		return RefreshStats{}, err
	}

	if upserts := append(changes.added, changes.updated...); len(upserts) > 0 {
		if err := e.store.UpsertBatch(ctx, upserts); err != nil {
			return RefreshStats{}, fmt.Errorf("index: write refreshed documents: %w", err)
		}
	}
	if err := e.store.Delete(ctx, changes.removed); err != nil {
		return RefreshStats{}, fmt.Errorf("index: drop removed documents: %w", err)
	}

	stats := RefreshStats{
		Added:     len(changes.added),
		Updated:   len(changes.updated),
		Removed:   len(changes.removed),
		Unchanged: changes.unchanged,
		Duration:  e.now().Sub(start),
	}
	slog.Info("index refreshed",
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"unchanged", stats.Unchanged,
		"duration", stats.Duration)
	if e.metrics != nil {
		e.metrics.RecordRefresh(ctx, stats)
	}
	e.recordCount(ctx)
	return stats, nil
}

// detectChanges compares a discovery round with the stored versions.
// A stored document is removed only when its server answered discovery
// without the tool, or the server left the registry entirely; a server
// that merely failed this round keeps its documents.
func (e *Engine) detectChanges(ctx context.Context, discovered map[string][]catalogue.ToolInfo, failed map[string]error) (changeSet, error) {
	stored, err := e.store.Versions(ctx)
	if err != nil {
		return changeSet{}, fmt.Errorf("index: load stored versions: %w", err)
	}

	registered := make(map[string]bool)
	for _, id := range e.reg.IDs() {
		registered[id] = true
	}

	fresh := e.buildDocuments(discovered)
	freshByID := make(map[string]Document, len(fresh))
	for _, doc := range fresh {
		freshByID[doc.ToolID] = doc
	}

	var changes changeSet
	for id, doc := range freshByID {
		prev, ok := stored[id]
		switch {
		case !ok:
			changes.added = append(changes.added, doc)
		case prev.ToolVersion != doc.ToolVersion:
			changes.updated = append(changes.updated, doc)
		default:
			changes.unchanged++
		}
	}
	for id, info := range stored {
		if _, ok := freshByID[id]; ok {
			continue
		}
		if _, serverFailed := failed[info.ServerID]; serverFailed && registered[info.ServerID] {
			// Discovery failed without the server dropping out;
			// keep its documents until it answers again.
			changes.unchanged++
			continue
		}
		changes.removed = append(changes.removed, id)
	}
	slices.Sort(changes.removed)
	return changes, nil
}

// buildDocuments converts a discovery result into index documents, one
// server version shared per server.
func (e *Engine) buildDocuments(discovered map[string][]catalogue.ToolInfo) []Document {
	now := e.now()
	var docs []Document
	for serverID, tools := range discovered {
		srv, ok := e.reg.Server(serverID)
		if !ok {
			continue
		}
		serverVersion := ServerVersion(srv)
		for _, tool := range tools {
			docs = append(docs, BuildDocument(tool, srv, serverVersion, now))
		}
	}
	return docs
}

// StartAutoRefresh launches the background refresh loop. A non-positive
// interval falls back to [DefaultRefreshInterval]. Starting an already
// running loop is a no-op.
func (e *Engine) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	go e.refreshLoop(ctx, interval, e.stop, e.done)
	slog.Info("auto refresh started", "interval", interval)
}

// refreshLoop sleeps for interval between cycles, checking for shutdown at
// every sleep boundary. Refresh errors are logged and the loop carries on.
func (e *Engine) refreshLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := e.RefreshIncremental(ctx); err != nil {
			slog.Error("auto refresh cycle failed", "err", err)
		}
		timer.Reset(interval)
	}
}

// StopAutoRefresh signals the background loop and waits up to five seconds
// for it to finish its current cycle.
func (e *Engine) StopAutoRefresh() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		slog.Info("auto refresh stopped")
	case <-time.After(stopJoinTimeout):
		slog.Warn("auto refresh loop did not stop in time")
	}
}

// Search runs a case-insensitive substring search over the index and
// returns the best hits. topK caps the result count, falling back to the
// configured default when non-positive; minScore is reserved for a future
// ranking threshold and currently ignored. Matches on the tool name weigh
// more than matches on descriptions or the search text. Tools of servers
// that failed their most recent probe are hidden: their documents stay
// stored awaiting recovery, but must not be offered to agents while the
// server is down.
func (e *Engine) Search(ctx context.Context, query string, topK int, minScore float64) ([]SearchResult, error) {
	if topK <= 0 {
		topK = e.topK
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	docs, err := e.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	var results []SearchResult
	for _, doc := range docs {
		if e.reg.Unhealthy(doc.ServerID) {
			continue
		}
		score := 0
		if strings.Contains(strings.ToLower(doc.ToolName), query) {
			score += 3
		}
		if strings.Contains(strings.ToLower(doc.ToolDescription), query) {
			score += 2
		}
		if strings.Contains(strings.ToLower(doc.SearchText), query) {
			score++
		}
		if score > 0 {
			results = append(results, SearchResult{Document: doc, Score: score})
		}
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		if a.Score != b.Score {
			return b.Score - a.Score
		}
		return strings.Compare(a.Document.ToolID, b.Document.ToolID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Document returns one stored document by tool id, (nil, nil) on a miss.
func (e *Engine) Document(ctx context.Context, toolID string) (*Document, error) {
	return e.store.Get(ctx, toolID)
}

// ServerDocuments returns the stored documents of one server.
func (e *Engine) ServerDocuments(ctx context.Context, serverID string) ([]Document, error) {
	return e.store.ByServer(ctx, serverID)
}

func (e *Engine) recordCount(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if n, err := e.store.Count(ctx); err == nil {
		e.metrics.SetIndexedDocuments(ctx, n)
	}
}
