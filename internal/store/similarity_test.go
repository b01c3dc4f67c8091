package store

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-4

func TestSimilarityScaleInvariance(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3}

	self, err := Similarity(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, tolerance)

	for _, k := range []float32{0.001, 0.5, 2, 1000} {
		scaled := make([]float32, len(a))
		for i := range a {
			scaled[i] = a[i] * k
		}
		score, err := Similarity(a, scaled)
		require.NoError(t, err)
		assert.InDelta(t, self, score, tolerance, "k=%v", k)
	}
}

func TestSimilarityOrthogonal(t *testing.T) {
	score, err := Similarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, tolerance)
}

func TestSimilarityAntiparallel(t *testing.T) {
	score, err := Similarity([]float32{1, 2, 3}, []float32{-1, -2, -3})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, score, tolerance)
}

func TestSimilarityKnownAngle(t *testing.T) {
	// 45 degrees
	score, err := Similarity([]float32{1, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2/2, score, tolerance)
}

func TestSimilarityInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
	}{
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}},
		{"empty", []float32{}, []float32{}},
		{"zero vector a", []float32{0, 0, 0}, []float32{1, 2, 3}},
		{"zero vector b", []float32{1, 2, 3}, []float32{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Similarity(tt.a, tt.b)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}
