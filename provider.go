package valet

import "context"

// Provider is the language-model facade contract. The HTTP clients that
// implement it live outside this module; the planner, compaction worker,
// and memory extractor only depend on this interface.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingProvider turns text into vectors. Implementations must return
// one vector per input text, each of exactly Dimensions() length.
type EmbeddingProvider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
