package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxpersona/voxpersona/internal/fault"
	embmock "github.com/voxpersona/voxpersona/pkg/provider/embeddings/mock"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(&embmock.Provider{}, NewChunker(wordCounter{}, 50, 5), root)
	return m, root
}

func TestBuildAndQueryRankOrder(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	corpus := []string{
		"the lobby smelled of fresh coffee",
		"the pool area was closed for cleaning",
		"breakfast service started late again",
	}
	if err := m.Build(context.Background(), "interview", corpus); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The mock embedder hashes text, so querying with an exact chunk text
	// must rank that chunk first with similarity 1.
	hits, err := m.Query(context.Background(), "interview", "the pool area was closed for cleaning", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	if hits[0].Text != "the pool area was closed for cleaning" {
		t.Errorf("top hit = %q", hits[0].Text)
	}
	for i, h := range hits {
		if h.Rank != i {
			t.Errorf("hit %d carries rank %d", i, h.Rank)
		}
		if i > 0 && hits[i].Score > hits[i-1].Score {
			t.Errorf("scores not descending: %v then %v", hits[i-1].Score, hits[i].Score)
		}
	}
}

func TestQueryUnknownScope(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, err := m.Query(context.Background(), "never_built", "q", 5)
	if !errors.Is(err, fault.IndexUnavailable) {
		t.Errorf("expected IndexUnavailable, got %v", err)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	m, root := newTestManager(t)
	if err := m.Build(context.Background(), "design/structured", []string{"one report", "another report"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Save("design/structured"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Scope key sanitisation keeps the snapshot inside the root.
	if _, err := os.Stat(filepath.Join(root, "design_structured", "index.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	fresh := NewManager(&embmock.Provider{}, NewChunker(wordCounter{}, 50, 5), root)
	if err := fresh.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	hits, err := fresh.Query(context.Background(), "design/structured", "one report", 1)
	if err != nil {
		t.Fatalf("Query after load: %v", err)
	}
	if hits[0].Text != "one report" {
		t.Errorf("top hit after reload = %q", hits[0].Text)
	}
}

func TestSaveAllSkipsFailures(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if err := m.Build(context.Background(), "a", []string{"text a"}); err != nil {
		t.Fatalf("Build a: %v", err)
	}
	if err := m.Build(context.Background(), "b", []string{"text b"}); err != nil {
		t.Fatalf("Build b: %v", err)
	}
	// Break the root after building so every save fails but the sweep still
	// visits both scopes.
	m.root = string([]byte{0})

	if err := m.SaveAll(context.Background()); err == nil {
		t.Error("expected an error from the failed sweep")
	}
}

func TestLoadAllSkipsCorruptSnapshots(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "broken"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "broken", "index.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(&embmock.Provider{}, NewChunker(wordCounter{}, 50, 5), root)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll must skip corrupt snapshots, got %v", err)
	}
	if got := m.Scopes(); len(got) != 0 {
		t.Errorf("scopes = %v, want none", got)
	}
}

func TestBuildEmptyCorpusRemovesScope(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if err := m.Build(context.Background(), "s", []string{"something"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Build(context.Background(), "s", nil); err != nil {
		t.Fatalf("rebuild with empty corpus: %v", err)
	}
	_, err := m.Query(context.Background(), "s", "q", 1)
	if !errors.Is(err, fault.IndexUnavailable) {
		t.Errorf("expected IndexUnavailable after removal, got %v", err)
	}
}

func TestSanitiseScopeKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"interview":         "interview",
		"design/structured": "design_structured",
		"a b\\c:d":          "a_b_c_d",
		"../../etc/passwd":  ".._.._etc_passwd",
		"report-type.v2_ok": "report-type.v2_ok",
	}
	for in, want := range cases {
		if got := SanitiseScopeKey(in); got != want {
			t.Errorf("SanitiseScopeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()

	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := cosine(a, a); got < 0.999 {
		t.Errorf("cosine(a,a) = %v", got)
	}
	if got := cosine(a, b); got != 0 {
		t.Errorf("cosine(orthogonal) = %v", got)
	}
	if got := cosine(a, []float32{0, 0}); got != 0 {
		t.Errorf("cosine(zero) = %v", got)
	}
	if got := cosine(a, []float32{1}); got != 0 {
		t.Errorf("cosine(mismatched dims) = %v", got)
	}
}
