package vector

import (
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T, dims int) *BoltIndex {
	t.Helper()
	idx, err := OpenBolt(t.TempDir(), "test", dims)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBoltIndex_UpsertSearchOrder(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, 3)

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "exact", Vector: []float32{1, 0, 0}},
		{ID: "close", Vector: []float32{0.9, 0.1, 0}},
		{ID: "orthogonal", Vector: []float32{0, 0, 1}},
	}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, "exact", hits[0].ID)
	require.Equal(t, "close", hits[1].ID)
	require.Equal(t, "orthogonal", hits[2].ID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-6)
	require.InDelta(t, 0.0, hits[2].Score, 1e-6)
}

func TestBoltIndex_TopKAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, 2)

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0.5, 0.5}},
		{ID: "c", Vector: []float32{0, 1}},
	}))
	hits, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	require.NoError(t, idx.Delete(ctx, []string{"a", "missing"}))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	hits, err = idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "a", h.ID)
	}
}

func TestBoltIndex_DimsMismatch(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, 3)

	err := idx.Upsert(ctx, []Entry{{ID: "bad", Vector: []float32{1, 2}}})
	require.Error(t, err)

	_, err = idx.Search(ctx, []float32{1, 2}, 5)
	require.Error(t, err)
}

func TestBoltIndex_ZeroQueryVector(t *testing.T) {
	ctx := context.Background()
	idx := openTestIndex(t, 2)
	require.NoError(t, idx.Upsert(ctx, []Entry{{ID: "a", Vector: []float32{1, 0}}}))

	hits, err := idx.Search(ctx, []float32{0, 0}, 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

// Cosine scores always land in [-1, 1] and the result order is
// non-increasing, for any stored vectors and query.
func TestBoltIndex_CosineProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	genVec := gen.SliceOfN(4, gen.Float32Range(-10, 10))

	properties.Property("scores bounded and sorted", prop.ForAll(
		func(vecs [][]float32, query []float32) bool {
			ctx := context.Background()
			idx, err := OpenBolt(t.TempDir(), "prop", 4)
			if err != nil {
				return false
			}
			defer idx.Close()

			entries := make([]Entry, len(vecs))
			for i, v := range vecs {
				entries[i] = Entry{ID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Vector: v}
			}
			if err := idx.Upsert(ctx, entries); err != nil {
				return false
			}
			hits, err := idx.Search(ctx, query, len(vecs)+1)
			if err != nil {
				return false
			}
			prev := math.Inf(1)
			for _, h := range hits {
				if h.Score < -1.0000001 || h.Score > 1.0000001 {
					return false
				}
				if h.Score > prev {
					return false
				}
				prev = h.Score
			}
			return true
		},
		gen.SliceOf(genVec),
		genVec,
	))

	properties.TestingRun(t)
}
