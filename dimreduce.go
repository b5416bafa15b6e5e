package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
)

// ===========================================================================
// DIMENSIONALITY REDUCTION - PCA
// ===========================================================================
//
// WHAT'S GOING ON HERE:
// Attack feature vectors have one entry per histogram bin (100 by default).
// Projecting them to 2D shows whether members and non-members form
// separable clusters before any classifier is trained.
//
// ALGORITHM:
// 1. Center the data (subtract mean)
// 2. Compute covariance matrix (how dimensions vary together)
// 3. Find the top 2 eigenvectors by power iteration
// 4. Project data onto them
//
// COMPLEXITY: O(n*d^2) where n=users, d=bins. A few hundred users by 100
// bins is instant.
//
// ===========================================================================

// PCA reduces an (n, d) tensor to (n, 2). rng seeds the power iteration;
// nil uses a fixed seed.
func PCA(points *Tensor, rng *rand.Rand) (*Tensor, error) {
	if points.Dims() != 2 {
		return nil, fmt.Errorf("PCA expects 2D tensor, got shape %v", points.Shape())
	}

	shape := points.Shape()
	n, d := shape[0], shape[1]

	if n < 2 {
		return nil, fmt.Errorf("PCA requires at least 2 points, got %d", n)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	centered := NewTensor(n, d)
	for j := 0; j < d; j++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += points.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			centered.Set(points.At(i, j)-mean, i, j)
		}
	}

	// Cov = (1/n) * X^T * X
	cov := NewTensor(d, d)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += centered.At(k, i) * centered.At(k, j)
			}
			cov.Set(sum/float64(n), i, j)
			cov.Set(sum/float64(n), j, i)
		}
	}

	pc1 := powerIteration(cov, 100, rng)
	pc2 := powerIteration(deflate(cov, pc1), 100, rng)

	result := NewTensor(n, 2)
	for i := 0; i < n; i++ {
		proj1, proj2 := 0.0, 0.0
		for j := 0; j < d; j++ {
			proj1 += centered.At(i, j) * pc1[j]
			proj2 += centered.At(i, j) * pc2[j]
		}
		result.Set(proj1, i, 0)
		result.Set(proj2, i, 1)
	}

	return result, nil
}

// powerIteration finds the dominant eigenvector of a symmetric matrix by
// repeated multiplication and normalization.
func powerIteration(matrix *Tensor, iterations int, rng *rand.Rand) []float64 {
	d := matrix.shape[0]

	v := make([]float64, d)
	for i := 0; i < d; i++ {
		v[i] = rng.NormFloat64()
	}
	v = normalize(v)

	for iter := 0; iter < iterations; iter++ {
		vNew := make([]float64, d)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				vNew[i] += matrix.At(i, j) * v[j]
			}
		}
		v = normalize(vNew)
	}

	return v
}

// deflate removes the component of a matrix along an eigenvector:
// A - λ * v * v^T with λ = v^T * A * v.
func deflate(matrix *Tensor, eigenvector []float64) *Tensor {
	d := matrix.shape[0]

	Av := make([]float64, d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			Av[i] += matrix.At(i, j) * eigenvector[j]
		}
	}

	eigenvalue := 0.0
	for i := 0; i < d; i++ {
		eigenvalue += eigenvector[i] * Av[i]
	}

	result := NewTensor(d, d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			result.Set(matrix.At(i, j)-eigenvalue*eigenvector[i]*eigenvector[j], i, j)
		}
	}

	return result
}

// normalize normalizes a vector to unit length.
func normalize(v []float64) []float64 {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	if norm < 1e-10 {
		return v
	}

	result := make([]float64, len(v))
	for i := range v {
		result[i] = v[i] / norm
	}
	return result
}

// ProjectedPoint is one user in the 2D projection.
type ProjectedPoint struct {
	User   string
	Member int
	X, Y   float64
}

// ProjectFeatures runs PCA over feature rows. users and labels align with
// rows.
func ProjectFeatures(rows [][]float64, users []string, labels []int) ([]ProjectedPoint, error) {
	d, err := checkMatrix(rows)
	if err != nil {
		return nil, err
	}
	if len(users) != len(rows) || len(labels) != len(rows) {
		return nil, fmt.Errorf("%w: %d rows, %d users, %d labels", ErrShapeMismatch, len(rows), len(users), len(labels))
	}
	flat := make([]float64, 0, len(rows)*d)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	proj, err := PCA(NewTensorFrom(flat, len(rows), d), nil)
	if err != nil {
		return nil, err
	}
	points := make([]ProjectedPoint, len(rows))
	for i := range rows {
		points[i] = ProjectedPoint{User: users[i], Member: labels[i], X: proj.At(i, 0), Y: proj.At(i, 1)}
	}
	return points, nil
}

// SaveProjectionCSV writes user,member,x,y rows.
func SaveProjectionCSV(filename string, points []ProjectedPoint) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"user", "member", "x", "y"}); err != nil {
		return err
	}
	for _, p := range points {
		rec := []string{
			p.User,
			strconv.Itoa(p.Member),
			strconv.FormatFloat(p.X, 'g', 8, 64),
			strconv.FormatFloat(p.Y, 'g', 8, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
