// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errNotPositiveDefinite = errors.New("matrix is not positive definite")

// symmetric returns (a + a')/2. Products like U'CU are symmetric only up to
// rounding, and SymDense needs them exact.
func symmetric(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

// identity returns the n x n identity matrix.
func identity(n int) *mat.Dense {
	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, 1)
	}
	return I
}

// eye returns the n x n identity as a symmetric matrix.
func eye(n int) *mat.SymDense {
	I := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		I.SetSym(i, i, 1)
	}
	return I
}

// maxAbsDiag returns the largest absolute diagonal entry of a.
func maxAbsDiag(a mat.Symmetric) float64 {
	m := 0.0
	for i := 0; i < a.SymmetricDim(); i++ {
		m = math.Max(m, math.Abs(a.At(i, i)))
	}
	return m
}

// isZero reports whether every entry of a is within tol of zero.
func isZero(a mat.Matrix, tol float64) bool {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(a.At(i, j)) > tol {
				return false
			}
		}
	}
	return true
}

// cholesky factorizes a. If a is not positive definite it is loaded with
// ridge*max(1, max|diag|) on the diagonal and factorized once more.
func cholesky(a *mat.SymDense, ridge float64) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		return &chol, nil
	}

	n := a.SymmetricDim()
	loaded := mat.NewSymDense(n, nil)
	loaded.CopySym(a)
	lambda := ridge * math.Max(1, maxAbsDiag(a))
	for i := 0; i < n; i++ {
		loaded.SetSym(i, i, loaded.At(i, i)+lambda)
	}
	if chol.Factorize(loaded) {
		return &chol, nil
	}
	return nil, errNotPositiveDefinite
}

// inverse returns the inverse of a symmetric positive definite matrix,
// regularizing once on failure.
func inverse(a *mat.SymDense, ridge float64) (*mat.SymDense, error) {
	chol, err := cholesky(a, ridge)
	if err != nil {
		return nil, err
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		// A Condition error still leaves a usable inverse
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	return &inv, nil
}

// logDet returns log|a| for a symmetric positive definite matrix.
func logDet(a *mat.SymDense, ridge float64) (float64, error) {
	chol, err := cholesky(a, ridge)
	if err != nil {
		return 0, err
	}
	return chol.LogDet(), nil
}

// orthBasis returns an orthonormal basis for the column space of a, keeping
// singular values at least tol times the largest one.
func orthBasis(a *mat.SymDense, tol float64) (*mat.Dense, error) {
	n := a.SymmetricDim()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	rank := svd.Rank(tol)
	if rank == 0 {
		return nil, fmt.Errorf("prior covariance is numerically zero")
	}

	var u mat.Dense
	svd.UTo(&u)
	return mat.DenseCopyOf(u.Slice(0, n, 0, rank)), nil
}

// pinv returns the Moore-Penrose pseudo-inverse of a (r x c), a c x r matrix.
func pinv(a *mat.Dense, tol float64) (*mat.Dense, error) {
	r, _ := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullU|mat.SVDFullV); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}
	rank := svd.Rank(tol)
	if rank == 0 {
		return nil, fmt.Errorf("matrix is numerically zero")
	}

	var out mat.Dense
	svd.SolveTo(&out, identity(r), rank)
	return &out, nil
}

// projectVec returns U'x.
func projectVec(u *mat.Dense, x mat.Vector) *mat.VecDense {
	_, r := u.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(u.T(), x)
	return out
}

// projectSym returns U'SU.
func projectSym(u *mat.Dense, s mat.Symmetric) *mat.SymDense {
	var tmp, out mat.Dense
	tmp.Mul(u.T(), s)
	out.Mul(&tmp, u)
	return symmetric(&out)
}

// expandSym returns USU'.
func expandSym(u *mat.Dense, s mat.Symmetric) *mat.SymDense {
	var tmp, out mat.Dense
	tmp.Mul(u, s)
	out.Mul(&tmp, u.T())
	return symmetric(&out)
}

// sandwich returns A'SA.
func sandwich(a mat.Matrix, s mat.Matrix) *mat.SymDense {
	var tmp, out mat.Dense
	tmp.Mul(a.T(), s)
	out.Mul(&tmp, a)
	return symmetric(&out)
}

// subvector returns x(q).
func subvector(x mat.Vector, q []int) *mat.VecDense {
	out := mat.NewVecDense(len(q), nil)
	for i, k := range q {
		out.SetVec(i, x.AtVec(k))
	}
	return out
}

// submatrix returns a(q,q).
func submatrix(a mat.Symmetric, q []int) *mat.SymDense {
	out := mat.NewSymDense(len(q), nil)
	for i, ki := range q {
		for j := i; j < len(q); j++ {
			out.SetSym(i, j, a.At(ki, q[j]))
		}
	}
	return out
}

// quad returns x'Ax.
func quad(x mat.Vector, a mat.Matrix) float64 {
	return mat.Inner(x, a, x)
}

// addSym returns a + b.
func addSym(a, b mat.Symmetric) *mat.SymDense {
	out := mat.NewSymDense(a.SymmetricDim(), nil)
	out.AddSym(a, b)
	return out
}

// subSym returns a - b.
func subSym(a, b mat.Symmetric) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)-b.At(i, j))
		}
	}
	return out
}

// scaleSym returns f*a.
func scaleSym(f float64, a mat.Symmetric) *mat.SymDense {
	out := mat.NewSymDense(a.SymmetricDim(), nil)
	out.ScaleSym(f, a)
	return out
}

// blockDiag places blocks along the diagonal of a symmetric matrix.
func blockDiag(blocks ...*mat.SymDense) *mat.SymDense {
	n := 0
	for _, b := range blocks {
		n += b.SymmetricDim()
	}
	out := mat.NewSymDense(n, nil)
	off := 0
	for _, b := range blocks {
		m := b.SymmetricDim()
		for i := 0; i < m; i++ {
			for j := i; j < m; j++ {
				out.SetSym(off+i, off+j, b.At(i, j))
			}
		}
		off += m
	}
	return out
}
