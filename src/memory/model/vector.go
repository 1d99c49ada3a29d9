package model

// L2Distance returns the squared Euclidean distance between two vectors.
// Squared distance preserves ranking order, which is all search needs; a
// mismatched length is treated as maximally distant.
func L2Distance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return maxDistance
	}
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

const maxDistance = float32(3.4e38)

// CloneVector returns an owned copy of v.
func CloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	return cp
}
