//go:build !fastembed

package embed

import (
	"context"
	"fmt"
)

// FastEmbedder requires the onnxruntime shared library, so local-model
// support stays behind the fastembed build tag.
type FastEmbedder struct{}

type FastEmbedOptions struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

func defaultFastEmbedOptions() *FastEmbedOptions { return nil }

func NewFastEmbedder(ctx context.Context, opt *FastEmbedOptions) (*FastEmbedder, error) {
	return nil, fmt.Errorf("fastembed support not included; rebuild with -tags fastembed")
}

func (*FastEmbedder) Close() error { return nil }

func (*FastEmbedder) Dim() int { return 0 }

func (*FastEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("fastembed support not included")
}
