package recognition

import (
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDist(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{"Identical vectors", []float64{1, 0}, []float64{1, 0}, 0},
		{"Orthogonal vectors", []float64{1, 0}, []float64{0, 1}, 1},
		{"Opposite vectors", []float64{1, 0}, []float64{-1, 0}, 2},
		{"B is scaled", []float64{1, 0}, []float64{5, 0}, 0},
		{"Empty vectors", []float64{}, []float64{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineDist(tt.a, tt.b), 1e-9)
		})
	}
}

func TestEuclideanDist(t *testing.T) {
	assert.InDelta(t, 5.0, EuclideanDist([]float64{0, 0}, []float64{3, 4}), 1e-9)
	assert.InDelta(t, 0.0, EuclideanDist([]float64{1, 2}, []float64{1, 2}), 1e-9)
}

func snapshot(t *testing.T, ids ...gallery.Identity) *gallery.Snapshot {
	t.Helper()
	s, err := gallery.NewSnapshot(ids)
	require.NoError(t, err)
	return s
}

func TestMatcher_Match(t *testing.T) {
	g := snapshot(t,
		gallery.Identity{StudentID: "A", RollNumber: 1, Embeddings: [][]float64{{0, 0}}},
		gallery.Identity{StudentID: "B", RollNumber: 2, Embeddings: [][]float64{{1, 0}, {0, 3}}},
	)
	m, err := NewMatcher(g, Config{Metric: Euclidean, Threshold: 0.3, TieEpsilon: 0.01})
	require.NoError(t, err)
	now := time.Now()

	tests := []struct {
		name     string
		vec      []float64
		wantID   string
		wantDist float64
	}{
		{"within threshold of A only", []float64{0.1, 0}, "A", 0.1},
		{"second reference embedding of B", []float64{0, 2.9}, "B", 0.1},
		{"equidistant from A and B", []float64{0.5, 0}, "", 0.5},
		{"beyond threshold of everyone", []float64{5, 5}, "", EuclideanDist([]float64{5, 5}, []float64{0, 3})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Match(tt.vec, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.StudentID)
			assert.Equal(t, tt.wantID == "", res.Unknown())
			assert.InDelta(t, tt.wantDist, res.Distance, 1e-9)
			assert.Equal(t, now, res.Timestamp)
		})
	}
}

func TestMatcher_TieWithinThreshold(t *testing.T) {
	g := snapshot(t,
		gallery.Identity{StudentID: "A", RollNumber: 1, Embeddings: [][]float64{{0, 0}}},
		gallery.Identity{StudentID: "B", RollNumber: 2, Embeddings: [][]float64{{0.2, 0}}},
	)
	m, err := NewMatcher(g, Config{Metric: Euclidean, Threshold: 0.5, TieEpsilon: 0.01})
	require.NoError(t, err)

	// 0.1 from both: within threshold, but tied
	res, err := m.Match([]float64{0.1, 0}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Unknown())

	// 0.097 vs 0.103: still inside epsilon
	res, err = m.Match([]float64{0.097, 0}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Unknown())

	// 0.05 vs 0.15: clear winner
	res, err = m.Match([]float64{0.05, 0}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "A", res.StudentID)
}

func TestMatcher_Cosine(t *testing.T) {
	g := snapshot(t,
		gallery.Identity{StudentID: "A", RollNumber: 1, Embeddings: [][]float64{{1, 0}}},
		gallery.Identity{StudentID: "B", RollNumber: 2, Embeddings: [][]float64{{0, 1}}},
	)
	m, err := NewMatcher(g, Config{Metric: Cosine, Threshold: 0.1})
	require.NoError(t, err)

	res, err := m.Match([]float64{10, 0.1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "A", res.StudentID)
}

func TestMatcher_EmptyGalleryAndErrors(t *testing.T) {
	m, err := NewMatcher(snapshot(t), DefaultConfig())
	require.NoError(t, err)
	res, err := m.Match([]float64{1, 2, 3}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Unknown())
	assert.True(t, math.IsInf(res.Distance, 1))

	g := snapshot(t, gallery.Identity{StudentID: "A", RollNumber: 1, Embeddings: [][]float64{{0, 0}}})
	m, err = NewMatcher(g, DefaultConfig())
	require.NoError(t, err)
	_, err = m.Match([]float64{1, 2, 3}, time.Now())
	assert.ErrorIs(t, err, gallery.ErrDimensionMismatch)

	_, err = NewMatcher(g, Config{Metric: "manhattan", Threshold: 1})
	assert.Error(t, err)
	_, err = NewMatcher(g, Config{Metric: Euclidean, Threshold: 0})
	assert.Error(t, err)
	_, err = NewMatcher(g, Config{Metric: Euclidean, Threshold: 1, TieEpsilon: -1})
	assert.Error(t, err)
}
