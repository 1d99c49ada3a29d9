package embed

import (
	"context"
	"testing"
	"time"
)

func TestDummyEmbeddingDeterministic(t *testing.T) {
	a := DummyEmbedding("hello", 16)
	b := DummyEmbedding("hello", 16)
	if len(a) != 16 {
		t.Fatalf("expected dimension 16, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same text must embed identically, differ at %d", i)
		}
	}
}

func TestDummyEmbedderRejectsEmptyInput(t *testing.T) {
	if _, err := (DummyEmbedder{}).GetEmbeddings(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

// countingEmbedder tracks how many texts reached the underlying provider.
type countingEmbedder struct {
	DummyEmbedder
	calls int
}

func (c *countingEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls += len(texts)
	return c.DummyEmbedder.GetEmbeddings(ctx, texts)
}

func TestCachedEmbedderServesRepeatsFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{DummyEmbedder: DummyEmbedder{Dimension: 8}}
	emb := WithCache(inner, 16, time.Minute)

	first, err := emb.GetEmbeddings(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("GetEmbeddings returned error: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 provider calls on cold cache, got %d", inner.calls)
	}

	second, err := emb.GetEmbeddings(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("GetEmbeddings returned error: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("only the miss should reach the provider, got %d calls", inner.calls)
	}
	if len(second) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(second))
	}
	for i := range first[0] {
		if second[2][i] != first[0][i] {
			t.Fatalf("cached row must match the original embedding")
		}
	}
}

func TestCachedEmbedderOrderPreserved(t *testing.T) {
	ctx := context.Background()
	emb := WithCache(DummyEmbedder{Dimension: 8}, 16, 0)

	// Warm one of the two inputs, then check row order on the mixed batch.
	if _, err := emb.GetEmbeddings(ctx, []string{"second"}); err != nil {
		t.Fatalf("GetEmbeddings returned error: %v", err)
	}
	rows, err := emb.GetEmbeddings(ctx, []string{"first", "second"})
	if err != nil {
		t.Fatalf("GetEmbeddings returned error: %v", err)
	}
	wantFirst := DummyEmbedding("first", 8)
	for i := range wantFirst {
		if rows[0][i] != wantFirst[i] {
			t.Fatalf("row 0 must be the embedding of the first input")
		}
	}
}
