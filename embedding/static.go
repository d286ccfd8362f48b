package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// StaticEmbedder derives a deterministic unit vector from token hashes. It
// backs tests and keyless deployments; near-duplicate quality degrades but
// exact-phase dedup is unaffected.
type StaticEmbedder struct {
	dim int
}

var _ Embedder = (*StaticEmbedder)(nil)

func NewStaticEmbedder(dim int) *StaticEmbedder {
	if dim <= 0 {
		dim = nomicTextDimension
	}
	return &StaticEmbedder{dim: dim}
}

func (e *StaticEmbedder) Dimension() int {
	return e.dim
}

func (e *StaticEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.embedText(text)
	}
	return embeddings, nil
}

func (e *StaticEmbedder) embedText(text string) []float32 {
	vec := make([]float64, e.dim)

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	// Simple splitmix64 expansion of the content hash.
	state := seed
	for i := range vec {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		vec[i] = float64(z>>11)/float64(1<<53)*2 - 1
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dim)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
