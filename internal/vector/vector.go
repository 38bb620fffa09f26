// Package vector holds the small dense linear algebra the posterior engine
// needs: context vectors, outer products and symmetric positive definite
// solves. Matrices are gonum SymDense values; Rows/SymFromRows convert them
// to the [][]float64 form used for persistence.
package vector

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when operands disagree on dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotPositiveDefinite is returned for singular or indefinite matrices.
	ErrNotPositiveDefinite = errors.New("matrix is not positive definite")
	// ErrNotSymmetric is returned when a matrix read from rows is not symmetric.
	ErrNotSymmetric = errors.New("matrix is not symmetric")
)

// symmetryTolerance bounds |a_ij - a_ji| for matrices read from storage.
const symmetryTolerance = 1e-9

// Vector is a fixed-size feature vector.
type Vector []float64

// Ones returns a vector of n ones.
func Ones(n int) Vector {
	return Fill(n, 1)
}

// Fill returns a vector of n copies of v.
func Fill(n int, v float64) Vector {
	out := make(Vector, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Dim returns the number of components.
func (v Vector) Dim() int { return len(v) }

// Clone returns a copy that does not share storage with v.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Dot returns v·w.
func (v Vector) Dot(w Vector) (float64, error) {
	if len(v) != len(w) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), len(w))
	}
	return floats.Dot(v, w), nil
}

// Scale returns a·v.
func (v Vector) Scale(a float64) Vector {
	out := v.Clone()
	floats.Scale(a, out)
	return out
}

// Add returns v+w.
func (v Vector) Add(w Vector) (Vector, error) {
	if len(v) != len(w) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), len(w))
	}
	out := v.Clone()
	floats.Add(out, w)
	return out, nil
}

// Norm returns the Euclidean norm of v.
func (v Vector) Norm() float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, 2)
}

// IsFinite reports whether every component is a finite number.
func (v Vector) IsFinite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Dense returns v as a gonum vector sharing v's storage.
func (v Vector) Dense() *mat.VecDense {
	return mat.NewVecDense(len(v), v)
}

// FromDense copies a gonum vector into a Vector.
func FromDense(d mat.Vector) Vector {
	out := make(Vector, d.Len())
	for i := range out {
		out[i] = d.AtVec(i)
	}
	return out
}

// Outer returns the symmetric rank-one matrix v vᵀ.
func Outer(v Vector) *mat.SymDense {
	s := mat.NewSymDense(len(v), nil)
	s.SymRankOne(s, 1, v.Dense())
	return s
}

// Identity returns scale·I of size n.
func Identity(n int, scale float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, scale)
	}
	return s
}

// Diagonal returns the diagonal matrix with the given entries.
func Diagonal(d Vector) *mat.SymDense {
	s := mat.NewSymDense(len(d), nil)
	for i, x := range d {
		s.SetSym(i, i, x)
	}
	return s
}

// SymFromRows builds a symmetric matrix from row-major rows.
func SymFromRows(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrDimensionMismatch)
	}
	s := mat.NewSymDense(n, nil)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), n)
		}
		for j := i; j < n; j++ {
			if math.Abs(row[j]-rows[j][i]) > symmetryTolerance {
				return nil, fmt.Errorf("%w: a[%d][%d]=%g, a[%d][%d]=%g", ErrNotSymmetric, i, j, row[j], j, i, rows[j][i])
			}
			s.SetSym(i, j, row[j])
		}
	}
	return s, nil
}

// Rows converts a symmetric matrix to row-major rows.
func Rows(s mat.Symmetric) [][]float64 {
	n := s.SymmetricDim()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = s.At(i, j)
		}
	}
	return out
}

// Factorize returns the Cholesky factorization of a.
func Factorize(a mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, ErrNotPositiveDefinite
	}
	return &chol, nil
}

// Inverse returns a⁻¹ for a symmetric positive definite a.
func Inverse(a mat.Symmetric) (*mat.SymDense, error) {
	chol, err := Factorize(a)
	if err != nil {
		return nil, err
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPositiveDefinite, err)
	}
	return &inv, nil
}

// SolvePD solves a·x = b for a symmetric positive definite a.
func SolvePD(a mat.Symmetric, b Vector) (Vector, error) {
	if a.SymmetricDim() != len(b) {
		return nil, fmt.Errorf("%w: matrix %d, vector %d", ErrDimensionMismatch, a.SymmetricDim(), len(b))
	}
	chol, err := Factorize(a)
	if err != nil {
		return nil, err
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b.Dense()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPositiveDefinite, err)
	}
	return FromDense(&x), nil
}

// MulVec returns a·v.
func MulVec(a mat.Matrix, v Vector) (Vector, error) {
	r, c := a.Dims()
	if c != len(v) {
		return nil, fmt.Errorf("%w: matrix %dx%d, vector %d", ErrDimensionMismatch, r, c, len(v))
	}
	var out mat.VecDense
	out.MulVec(a, v.Dense())
	return FromDense(&out), nil
}
