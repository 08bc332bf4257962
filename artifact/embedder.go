package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimension vector. The store is agnostic
// to the embedding model; callers inject whatever they run locally or
// remotely. Vectors from different embedders are not comparable, so a store
// must keep the same embedder for its lifetime.
type Embedder interface {
	Embed(text string) []float32
	Dimensions() int
}

// HashEmbedder is the default embedder: deterministic feature hashing of
// word unigrams and bigrams into a fixed-dimension L2-normalized vector.
// It needs no model or network and gives stable, reproducible similarity
// for overlapping vocabulary, which is what recommendation matching needs.
type HashEmbedder struct {
	dims int
}

// DefaultDimensions matches common small embedding models so a stored
// index can later be rebuilt against a real model without format changes.
const DefaultDimensions = 384

// NewHashEmbedder creates a feature-hashing embedder. dims <= 0 selects
// DefaultDimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed hashes each token and token bigram into a bucket, accumulating
// signed counts, then L2-normalizes. Empty text yields the zero vector.
func (e *HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		e.accumulate(vec, tok)
		if i+1 < len(tokens) {
			e.accumulate(vec, tok+" "+tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// accumulate hashes a feature into a bucket with a sign bit, the standard
// hashing-trick construction.
func (e *HashEmbedder) accumulate(vec []float32, feature string) {
	sum := sha256.Sum256([]byte(feature))
	bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dims)
	if sum[4]&1 == 0 {
		vec[bucket]++
	} else {
		vec[bucket]--
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// cosine computes cosine similarity between two vectors of equal length.
// Mismatched lengths or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
