package store

import (
	"fmt"
	"math"
)

// Similarity computes the cosine similarity of a and b: 1.0 for vectors
// pointing the same direction at any positive scale, 0.0 for orthogonal,
// -1.0 for exactly opposite. Equivalent to 1 - cosine distance.
//
// Length mismatch or a zero-magnitude operand fails with ErrInvalidInput;
// cosine is undefined for the zero vector and a poisoned score must not
// leak into ranking.
func Similarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimension mismatch: %d vs %d", ErrInvalidInput, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vectors", ErrInvalidInput)
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("%w: zero-magnitude vector", ErrInvalidInput)
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// isZeroVector reports whether v has no non-zero component.
func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
