package ai

import "context"

// Embedder turns texts into vectors; output order matches input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
