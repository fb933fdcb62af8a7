// Package vector defines the pluggable vector index used by the knowledge
// base and provides a bbolt-backed implementation suitable for local-first
// deployments. The index stores one vector per block id and answers cosine
// nearest-neighbor queries.
package vector

import (
	"context"
)

type (
	// Entry is one (id, vector) pair.
	Entry struct {
		ID     string
		Vector []float32
	}

	// Hit is one search result. Score is cosine similarity in [-1, 1].
	Hit struct {
		ID    string
		Score float64
	}

	// Index is the minimal contract the knowledge base needs from a vector
	// store. Implementations must be safe for one writer and many readers.
	Index interface {
		// Upsert inserts or replaces entries. Either all entries are written
		// or none.
		Upsert(ctx context.Context, entries []Entry) error

		// Delete removes the given ids. Missing ids are ignored.
		Delete(ctx context.Context, ids []string) error

		// Search returns the topK entries most similar to query.
		Search(ctx context.Context, query []float32, topK int) ([]Hit, error)

		// Count returns the number of stored vectors.
		Count(ctx context.Context) (int, error)

		// Close releases the underlying storage.
		Close() error
	}
)
