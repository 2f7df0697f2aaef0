// Package vector provides the similarity index behind memory retrieval.
//
// Embeddings are computed upstream by the gateway; providers here only
// store and search pre-computed vectors. The chromem provider is embedded
// and zero-config; qdrant is for deployments where agent memory outgrows
// a single process.
package vector

import "context"

// Result is one similarity match.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider stores and searches pre-computed vectors, one collection per
// agent memory stream.
type Provider interface {
	Name() string

	// Upsert adds or replaces the vector for id.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK nearest vectors by cosine similarity,
	// most similar first.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// Delete removes the vector for id. Missing ids are not an error.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteCollection drops an entire collection.
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}
