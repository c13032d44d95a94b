package rotation

import (
	"gonum.org/v1/gonum/mat"
)

// Average computes the least-squares mean of a set of unit quaternions
// under the chordal (Frobenius) distance. It accumulates the 4x4 outer
// product matrix M = sum(q q^T) over the (x, y, z, w) components and takes
// the eigenvector of the largest eigenvalue. The outer product is invariant
// to the sign of each sample, so the q/-q double-cover ambiguity does not
// bias the result.
//
// Callers must not pass an empty slice; the identity is returned in that
// case so the filter keeps a usable orientation.
func Average(qs []Quat) Quat {
	if len(qs) == 0 {
		return Identity()
	}

	var m mat.SymDense
	m.ReuseAsSym(4)
	for _, q := range qs {
		v := [4]float64{q.X, q.Y, q.Z, q.W}
		for i := 0; i < 4; i++ {
			for j := i; j < 4; j++ {
				m.SetSym(i, j, m.At(i, j)+v[i]*v[j])
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(&m, true) {
		return qs[0].Normalize()
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues are in ascending order; the dominant vector is last.
	col := 3
	avg := Quat{
		X: vecs.At(0, col),
		Y: vecs.At(1, col),
		Z: vecs.At(2, col),
		W: vecs.At(3, col),
	}.Normalize()

	// The eigenvector sign is arbitrary; align with the first sample.
	if Dot(avg, qs[0]) < 0 {
		avg = Quat{W: -avg.W, X: -avg.X, Y: -avg.Y, Z: -avg.Z}
	}
	return avg
}
