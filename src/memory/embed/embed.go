// Package embed provides pluggable text-embedding providers. Every provider
// embeds batches and preserves input order: output row i is the vector for
// input i.
package embed

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder turns text into vectors.
type Embedder interface {
	// GetEmbeddings embeds every input, preserving order. It fails as a
	// whole; partial results are never returned.
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the vector dimension, or 0 when the provider cannot know
	// it without a round trip.
	Dim() int
}

// ErrNotSupported is returned by providers that cannot produce embeddings.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// ErrEmptyInput is returned when called with no texts.
var ErrEmptyInput = errors.New("no texts to embed")

// DummyEmbedder produces deterministic byte-histogram vectors. It exists for
// tests and for running the engine without any provider configured.
type DummyEmbedder struct {
	Dimension int
}

func (d DummyEmbedder) Dim() int {
	if d.Dimension <= 0 {
		return 768
	}
	return d.Dimension
}

func (d DummyEmbedder) GetEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = DummyEmbedding(text, d.Dim())
	}
	return out, nil
}

// DummyEmbedding hashes the bytes of text into a fixed-size vector.
func DummyEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 768
	}
	vec := make([]float32, dim)
	for i, ch := range []byte(text) {
		vec[i%dim] += float32(ch) / 255.0
	}
	return vec
}

// Auto chooses a provider from env:
// SESHAT_EMBED_PROVIDER=openai|gemini|ollama|voyage|fastembed
// SESHAT_EMBED_MODEL=<model string>
// Unset or failing providers fall back to the dummy embedder with a warning.
func Auto() Embedder {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("SESHAT_EMBED_PROVIDER")))
	model := strings.TrimSpace(os.Getenv("SESHAT_EMBED_MODEL"))

	var emb Embedder
	switch provider {
	case "openai":
		if e, err := NewOpenAIEmbedder(model); err == nil {
			emb = e
		}
	case "gemini", "google":
		if e, err := NewGeminiEmbedder(context.Background(), model); err == nil {
			emb = e
		}
	case "ollama":
		if e, err := NewOllamaEmbedder(model); err == nil {
			emb = e
		}
	case "voyage", "claude", "anthropic":
		if e, err := NewVoyageEmbedder(model); err == nil {
			emb = e
		}
	case "fastembed":
		if e, err := NewFastEmbedder(context.Background(), defaultFastEmbedOptions()); err == nil {
			emb = e
		}
	}
	if emb == nil {
		slog.Warn("no embedding provider configured, using dummy embedder",
			"provider", provider)
		emb = DummyEmbedder{}
	}
	return maybeCache(emb)
}

// maybeCache wraps the embedder with the query-vector cache when
// SESHAT_EMBED_CACHE_SIZE is set above zero. SESHAT_EMBED_CACHE_TTL takes a
// duration string; unset means entries live until evicted.
func maybeCache(emb Embedder) Embedder {
	size, err := strconv.Atoi(strings.TrimSpace(os.Getenv("SESHAT_EMBED_CACHE_SIZE")))
	if err != nil || size <= 0 {
		return emb
	}
	ttl, _ := time.ParseDuration(strings.TrimSpace(os.Getenv("SESHAT_EMBED_CACHE_TTL")))
	return WithCache(emb, size, ttl)
}
