// Package rag maintains per-scope retrieval indices over prior audit
// reports.
//
// A scope key names one corpus, e.g. "interview" or "design/structured".
// Each scope owns one [Index], rebuilt wholesale when its corpus changes and
// swapped in atomically behind the manager's lock. Indices either live in
// memory with periodic JSON snapshots, or — when a durable backend is
// configured — in a pgvector table, in which case snapshots are unnecessary.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/pkg/provider/embeddings"
)

// snapshotFile is the snapshot filename inside each scope directory.
const snapshotFile = "index.json"

// scopeKeyUnsafe matches characters stripped from scope keys before they are
// used as directory names.
var scopeKeyUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Manager owns every loaded index, keyed by scope. All methods are safe for
// concurrent use: queries take a read lock, rebuilds and loads take the
// write lock only for the final swap.
type Manager struct {
	embedder embeddings.Provider
	chunker  *Chunker
	root     string
	durable  *DurableIndex
	metrics  *observe.Metrics

	mu      sync.RWMutex
	indices map[string]*Index
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithDurable routes index storage to a pgvector table instead of in-memory
// indices with snapshots.
func WithDurable(d *DurableIndex) Option {
	return func(m *Manager) { m.durable = d }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager constructs a Manager. root is the snapshot directory; it is
// created on demand and ignored when a durable backend is configured.
func NewManager(embedder embeddings.Provider, chunker *Chunker, root string, opts ...Option) *Manager {
	m := &Manager{
		embedder: embedder,
		chunker:  chunker,
		root:     root,
		indices:  make(map[string]*Index),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Build chunks and embeds corpus, then replaces the scope's index. Readers
// querying concurrently see either the old index or the new one, never a
// mix. An empty corpus removes the scope.
func (m *Manager) Build(ctx context.Context, scopeKey string, corpus []string) error {
	var texts []string
	for _, doc := range corpus {
		texts = append(texts, m.chunker.Split(doc)...)
	}
	if len(texts) == 0 {
		m.mu.Lock()
		if _, ok := m.indices[scopeKey]; ok {
			delete(m.indices, scopeKey)
			m.metrics.LoadedIndices.Add(ctx, -1)
		}
		m.mu.Unlock()
		return nil
	}

	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("rag: embed corpus for %q: %w", scopeKey, err)
	}

	chunks := make([]Chunk, len(texts))
	for i := range texts {
		chunks[i] = Chunk{Text: texts[i], Vector: vectors[i]}
	}

	if m.durable != nil {
		if err := m.durable.Replace(ctx, scopeKey, chunks); err != nil {
			return err
		}
		// Keep a chunk-free marker so Query can route to the durable table.
		chunks = nil
	}

	m.mu.Lock()
	_, existed := m.indices[scopeKey]
	m.indices[scopeKey] = &Index{ScopeKey: scopeKey, Chunks: chunks}
	m.mu.Unlock()
	if !existed {
		m.metrics.LoadedIndices.Add(ctx, 1)
	}

	slog.Info("index rebuilt", "scope", scopeKey, "chunks", len(texts))
	return nil
}

// Query embeds q and returns the top-k hits for the scope in rank order.
// Scopes that have not been built or loaded yet answer
// [fault.IndexUnavailable].
func (m *Manager) Query(ctx context.Context, scopeKey, q string, k int) ([]Hit, error) {
	start := time.Now()

	m.mu.RLock()
	ix, ok := m.indices[scopeKey]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindIndexUnavailable, "rag: no index for scope %q", scopeKey)
	}

	vec, err := m.embedder.Embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	var hits []Hit
	if m.durable != nil {
		hits, err = m.durable.Search(ctx, scopeKey, vec, k)
		if err != nil {
			return nil, err
		}
	} else {
		hits = ix.Search(vec, k)
	}

	m.metrics.RAGQueryDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("scope", scopeKey)))
	return hits, nil
}

// Scopes returns the loaded scope keys in sorted order.
func (m *Manager) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.indices))
	for k := range m.indices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save snapshots one scope's index to disk. A no-op when a durable backend
// is configured.
func (m *Manager) Save(scopeKey string) error {
	if m.durable != nil {
		return nil
	}

	m.mu.RLock()
	ix, ok := m.indices[scopeKey]
	m.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.KindIndexUnavailable, "rag: no index for scope %q", scopeKey)
	}

	dir := filepath.Join(m.root, SanitiseScopeKey(scopeKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rag: create snapshot dir: %w", err)
	}

	data, err := json.Marshal(ix)
	if err != nil {
		return fmt.Errorf("rag: marshal snapshot for %q: %w", scopeKey, err)
	}

	// Write-then-rename so a crash mid-save leaves the previous snapshot
	// intact.
	tmp := filepath.Join(dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rag: write snapshot for %q: %w", scopeKey, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("rag: commit snapshot for %q: %w", scopeKey, err)
	}
	return nil
}

// SaveAll snapshots every loaded scope. Individual failures are logged and
// counted but do not stop the sweep; the first error is returned.
func (m *Manager) SaveAll(ctx context.Context) error {
	var first error
	for _, scope := range m.Scopes() {
		if err := m.Save(scope); err != nil {
			slog.Error("index snapshot failed", "scope", scope, "error", err)
			m.metrics.SnapshotFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("scope", scope)))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// LoadAll restores every scope found under the snapshot root, or — with a
// durable backend — registers every scope present in the pgvector table.
// Corrupt snapshots are logged and skipped.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.durable != nil {
		scopes, err := m.durable.Scopes(ctx)
		if err != nil {
			return err
		}
		for _, scope := range scopes {
			m.mu.Lock()
			_, existed := m.indices[scope]
			m.indices[scope] = &Index{ScopeKey: scope}
			m.mu.Unlock()
			if !existed {
				m.metrics.LoadedIndices.Add(ctx, 1)
			}
		}
		slog.Info("durable indices registered", "scopes", len(scopes))
		return nil
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rag: read snapshot root: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.root, e.Name(), snapshotFile)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("snapshot unreadable, skipping", "path", path, "error", err)
			continue
		}

		var ix Index
		if err := json.Unmarshal(data, &ix); err != nil || ix.ScopeKey == "" {
			slog.Warn("snapshot corrupt, skipping", "path", path, "error", err)
			continue
		}

		m.mu.Lock()
		_, existed := m.indices[ix.ScopeKey]
		m.indices[ix.ScopeKey] = &ix
		m.mu.Unlock()
		if !existed {
			m.metrics.LoadedIndices.Add(ctx, 1)
		}
		loaded++
	}

	slog.Info("index snapshots loaded", "scopes", loaded)
	return nil
}

// LoadAllAsync starts LoadAll in the background so startup is not blocked on
// disk or database reads. Queries against scopes that have not landed yet
// answer [fault.IndexUnavailable] in the meantime.
func (m *Manager) LoadAllAsync(ctx context.Context) {
	go func() {
		if err := m.LoadAll(ctx); err != nil {
			slog.Error("background index load failed", "error", err)
		}
	}()
}

// SanitiseScopeKey maps a scope key onto a safe directory name: path
// separators and reserved characters collapse to single underscores.
func SanitiseScopeKey(scopeKey string) string {
	return scopeKeyUnsafe.ReplaceAllString(scopeKey, "_")
}
