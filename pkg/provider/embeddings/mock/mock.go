// Package mock provides a deterministic test double for the
// embeddings.Provider interface.
//
// Vectors are derived from an FNV hash of the input text, so identical texts
// always embed identically and distinct texts are overwhelmingly likely to
// differ — enough for similarity-ranking tests without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/voxpersona/voxpersona/pkg/provider/embeddings"
)

// DefaultDimensions is the vector size used when Dims is zero.
const DefaultDimensions = 16

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimensionality. Zero means DefaultDimensions.
	Dims int

	// EmbedFunc, when set, overrides the hash-based vector derivation.
	EmbedFunc func(text string) ([]float32, error)

	// Err, if non-nil, is returned by every call.
	Err error

	// EmbedCalls records the texts passed to Embed and EmbedBatch in order.
	EmbedCalls []string
}

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	fn := p.EmbedFunc
	err := p.Err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(text)
	}
	return p.hashVector(text), nil
}

// EmbedBatch implements embeddings.Provider as a loop over Embed.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return DefaultDimensions
}

// hashVector derives a unit-length vector from the FNV-1a hash of text.
func (p *Provider) hashVector(text string) []float32 {
	dims := p.Dimensions()
	v := make([]float32, dims)

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range v {
		// xorshift-style mixing per component.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		c := float64(int64(seed%2000)-1000) / 1000.0
		v[i] = float32(c)
		norm += c * c
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
