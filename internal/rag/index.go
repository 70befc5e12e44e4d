package rag

import (
	"math"
	"sort"
)

// Chunk is one indexed text fragment with its embedding vector.
type Chunk struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// Hit is one retrieval result. Rank is the 0-based position in the result
// list, most similar first.
type Hit struct {
	Rank  int
	Text  string
	Score float64
}

// Index is an immutable in-memory vector index over one scope's chunks.
// Rebuilds replace the whole value, so readers never observe a partial
// index.
type Index struct {
	ScopeKey string  `json:"scope_key"`
	Chunks   []Chunk `json:"chunks"`
}

// Search returns the top-k chunks by cosine similarity to query, in rank
// order. Fewer than k chunks returns them all.
func (ix *Index) Search(query []float32, k int) []Hit {
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(ix.Chunks))
	for i, ch := range ix.Chunks {
		scores[i] = scored{idx: i, score: cosine(query, ch.Vector)}
	}
	sort.SliceStable(scores, func(a, b int) bool {
		return scores[a].score > scores[b].score
	})

	if k > len(scores) {
		k = len(scores)
	}
	hits := make([]Hit, k)
	for r := 0; r < k; r++ {
		hits[r] = Hit{
			Rank:  r,
			Text:  ix.Chunks[scores[r].idx].Text,
			Score: scores[r].score,
		}
	}
	return hits
}

// cosine returns the cosine similarity of a and b, or 0 when either vector
// is zero or the dimensions disagree.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
