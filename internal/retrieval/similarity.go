package retrieval

import "math"

// Norm returns the L2 norm of a vector.
func Norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// Cosine returns the cosine similarity of a and b. Mismatched dimensions or a
// zero vector give 0.
func Cosine(a, b []float32) float32 {
	return cosineWithNorm(a, b, Norm(a))
}

// cosineWithNorm computes dot(a,b) / (aNorm * |b|) with aNorm precomputed,
// so a query vector compared against many rows is normed once.
func cosineWithNorm(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// Index holds vectors with a precomputed norm for repeated max-similarity
// queries. The zero value is empty and ready to use.
type Index struct {
	vecs  [][]float32
	norms []float32
}

// Add appends a vector to the index.
func (x *Index) Add(v []float32) {
	x.vecs = append(x.vecs, v)
	x.norms = append(x.norms, Norm(v))
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int { return len(x.vecs) }

// Max returns the highest cosine similarity between q and any indexed vector
// and that vector's position, or (0, -1) when the index is empty.
func (x *Index) Max(q []float32) (float32, int) {
	best, at := float32(0), -1
	qNorm := Norm(q)
	for i, v := range x.vecs {
		if x.norms[i] == 0 {
			continue
		}
		s := cosineWithNorm(q, v, qNorm)
		if at == -1 || s > best {
			best, at = s, i
		}
	}
	return best, at
}
