package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// bucketVectors holds id -> little-endian float32 vector bytes.
var bucketVectors = []byte("vectors")

// BoltIndex implements Index using a bbolt database. Searches are exhaustive
// cosine scans, which is adequate for the corpus sizes a personal knowledge
// base reaches; the Index interface keeps an ANN backend swappable.
type BoltIndex struct {
	db   *bolt.DB
	dims int
}

// OpenBolt opens (creating if needed) a bolt-backed index at dir/<name>.db
// expecting vectors of the given dimension.
func OpenBolt(dir, name string, dims int) (*BoltIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector dims must be positive, got %d", dims)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	path := filepath.Join(dir, name+".db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open vector index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector bucket: %w", err)
	}
	return &BoltIndex{db: db, dims: dims}, nil
}

// Upsert writes all entries in a single transaction.
func (b *BoltIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if len(e.Vector) != b.dims {
			return fmt.Errorf("vector for %s has %d dims, index expects %d", e.ID, len(e.Vector), b.dims)
		}
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketVectors)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := bkt.Put([]byte(e.ID), encodeVector(e.Vector)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// Delete removes ids in a single transaction.
func (b *BoltIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketVectors)
		for _, id := range ids {
			if err := bkt.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return nil
}

// Search scans every stored vector and returns the topK by cosine
// similarity.
func (b *BoltIndex) Search(ctx context.Context, query []float32, topK int) ([]Hit, error) {
	if len(query) != b.dims {
		return nil, fmt.Errorf("query has %d dims, index expects %d", len(query), b.dims)
	}
	if topK <= 0 {
		topK = 10
	}
	qnorm := norm(query)
	if qnorm == 0 {
		return nil, nil
	}
	var hits []Hit
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVectors).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vec := decodeVector(v)
			if len(vec) != b.dims {
				return nil
			}
			vnorm := norm(vec)
			if vnorm == 0 {
				return nil
			}
			hits = append(hits, Hit{ID: string(k), Score: dot(query, vec) / (qnorm * vnorm)})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of stored vectors.
func (b *BoltIndex) Count(context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the bolt database.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
