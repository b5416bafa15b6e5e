package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ===========================================================================
// FEATURE VECTORS
// ===========================================================================
//
// Attack classifiers need one fixed-length row per user. A user's rank
// sequences are flattened and summarized as a histogram:
//
//	range = [0, topWords)               absolute ranks
//	range = [-numWords, topWords)       relative ranks (rank - token id)
//
// Relative ranks correct for word frequency: token ids are frequency
// ordered, so a rare word ranked 40 is more surprising than a common word
// ranked 40.
//
// Rows are then L2-normalized and standardized before the classifier,
// which removes the dependence on how many sentences a user wrote.
//
// ===========================================================================

// FeatureOptions controls how a user's ranks become a feature row.
type FeatureOptions struct {
	Bins     int
	TopWords int
	NumWords int

	// Prop selects int(n*Prop)+1 of a user's n sentences.
	Prop     float64
	Shuffle  bool
	Rare     bool // rare-word sentences first
	Relative bool

	// UserDataRatio and HeldoutRatio mix a member's training and held-out
	// sentences. Only applied to members when 0 < UserDataRatio < 1.
	UserDataRatio float64
	HeldoutRatio  float64

	Rng *rand.Rand
}

// normalized clamps Bins to TopWords and fills zero values.
func (o FeatureOptions) normalized() FeatureOptions {
	if o.TopWords <= 0 {
		o.TopWords = o.NumWords
	}
	if o.Bins <= 0 {
		o.Bins = 100
	}
	if o.Bins > o.TopWords {
		o.Bins = o.TopWords
	}
	if o.Prop <= 0 {
		o.Prop = 1
	}
	return o
}

// HistogramFeatures counts values into equal-width bins. When topWords is
// smaller than numWords the range is widened by one so that ranks clipped
// to topWords land in their own bin. Relative values start at the lowest
// possible rank minus label, -(numWords+numReserved), so every token of a
// vocabulary built with numWords is counted. A value equal to the upper
// edge falls in the last bin; values outside the range are dropped.
func HistogramFeatures(values []int, bins, topWords, numWords int, relative bool) []float64 {
	if topWords < numWords {
		if bins == topWords {
			bins++
		}
		topWords++
	}
	lo, hi := 0.0, float64(topWords)
	if relative {
		lo = float64(-(numWords + numReserved))
	}

	feats := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		x := float64(v)
		if x < lo || x > hi {
			continue
		}
		idx := int((x - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		feats[idx]++
	}
	return feats
}

// AverageRank returns the mean of every rank of the user, or 0 when the
// user has none.
func AverageRank(u UserRanks) float64 {
	sum, n := 0.0, 0
	for _, r := range u.Ranks {
		for _, v := range r {
			sum += float64(v)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SampleWithRatio combines a (training) and b (held-out) so that b makes
// up heldoutRatio of the result, truncating whichever side is in excess.
func SampleWithRatio[T any](a, b []T, heldoutRatio float64) []T {
	if heldoutRatio == 0 {
		return a
	}
	if heldoutRatio == 1 {
		return b
	}

	out := make([]T, 0, len(a)+len(b))
	l1, l2 := len(a), len(b)
	if l1+l2 == 0 {
		return out
	}
	ratio := float64(l2) / float64(l1+l2)
	switch {
	case heldoutRatio > ratio:
		n := int(float64(l2) / heldoutRatio)
		out = append(out, a[:n-l2]...)
		return append(out, b...)
	case heldoutRatio < ratio:
		n := int(float64(l1) / (1 - heldoutRatio))
		out = append(out, a...)
		return append(out, b[:n-l1]...)
	default:
		out = append(out, a...)
		return append(out, b...)
	}
}

// IndicesByLabels orders sentences by descending sum of token ids.
// Larger ids are rarer words, so this puts rare-word sentences first.
func IndicesByLabels(labels [][]int) []int {
	sums := make([]int, len(labels))
	indices := make([]int, len(labels))
	for i, ls := range labels {
		indices[i] = i
		for _, l := range ls {
			sums[i] += l
		}
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return sums[indices[a]] > sums[indices[b]]
	})
	return indices
}

// selectSentences returns the sentence indices of u that feed its
// feature row.
func selectSentences(u UserRanks, o FeatureOptions) []int {
	n := u.NumSentences()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	if u.Member && o.UserDataRatio > 0 && o.UserDataRatio < 1 {
		trainN := int(float64(n) * o.UserDataRatio)
		return SampleWithRatio(indices[:trainN], indices[trainN:], o.HeldoutRatio)
	}

	if o.Shuffle && o.Rng != nil {
		o.Rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}
	if o.Rare {
		indices = IndicesByLabels(u.Labels)
	}
	k := int(float64(n)*o.Prop) + 1
	if k > n {
		k = n
	}
	return indices[:k]
}

// userRankValues returns the clipped (and optionally relative) ranks of
// the selected sentences, flattened.
func userRankValues(u UserRanks, o FeatureOptions) []int {
	var values []int
	for _, idx := range selectSentences(u, o) {
		labels := u.Labels[idx]
		for t, r := range u.Ranks[idx] {
			if r < 0 {
				r = 0
			}
			if r > o.TopWords {
				r = o.TopWords
			}
			if o.Relative {
				r -= labels[t]
			}
			values = append(values, r)
		}
	}
	return values
}

// RanksToFeatures builds one rank-histogram row per user.
func RanksToFeatures(users []UserRanks, opts FeatureOptions) [][]float64 {
	o := opts.normalized()
	X := make([][]float64, len(users))
	for i, u := range users {
		X[i] = HistogramFeatures(userRankValues(u, o), o.Bins, o.TopWords, o.NumWords, o.Relative)
	}
	return X
}

// ProbabilityFeatures builds one histogram of true-token probabilities
// over [0, 1] per user.
func ProbabilityFeatures(users []UserRanks, opts FeatureOptions) [][]float64 {
	o := opts.normalized()
	X := make([][]float64, len(users))
	for i, u := range users {
		row := make([]float64, o.Bins)
		for _, idx := range selectSentences(u, o) {
			for _, p := range u.Probs[idx] {
				b := int(p * float64(o.Bins))
				if b >= o.Bins {
					b = o.Bins - 1
				}
				if b < 0 {
					b = 0
				}
				row[b]++
			}
		}
		X[i] = row
	}
	return X
}

// RecordMeanRanks returns the mean rank of every sentence of u, the
// per-record feature of the record-level attack.
func RecordMeanRanks(u UserRanks) []float64 {
	out := make([]float64, len(u.Ranks))
	for i, r := range u.Ranks {
		if len(r) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range r {
			sum += float64(v)
		}
		out[i] = sum / float64(len(r))
	}
	return out
}

// MembershipLabels returns 1 for member users and 0 otherwise.
func MembershipLabels(users []UserRanks) []int {
	y := make([]int, len(users))
	for i, u := range users {
		if u.Member {
			y[i] = 1
		}
	}
	return y
}

// L2Normalize returns a copy of X with every row scaled to unit length.
// Zero rows stay zero.
func L2Normalize(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		norm := 0.0
		for _, v := range row {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if norm > 0 {
				out[i][j] = v / norm
			}
		}
	}
	return out
}

// ErrNotFitted is returned when a transformer or classifier is used
// before Fit.
var ErrNotFitted = errors.New("model not fitted")

// StandardScaler removes the column mean and scales to unit variance.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// Fit computes column means and (population) standard deviations.
// Columns with zero variance get scale 1.
func (s *StandardScaler) Fit(X [][]float64) error {
	d, err := checkMatrix(X)
	if err != nil {
		return err
	}
	s.Mean = make([]float64, d)
	s.Scale = make([]float64, d)
	n := float64(len(X))
	for _, row := range X {
		for j, v := range row {
			s.Mean[j] += v / n
		}
	}
	for _, row := range X {
		for j, v := range row {
			diff := v - s.Mean[j]
			s.Scale[j] += diff * diff / n
		}
	}
	for j := range s.Scale {
		s.Scale[j] = math.Sqrt(s.Scale[j])
		if s.Scale[j] == 0 {
			s.Scale[j] = 1
		}
	}
	return nil
}

// Transform standardizes X with the fitted statistics.
func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), len(s.Mean))
		}
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - s.Mean[j]) / s.Scale[j]
		}
	}
	return out, nil
}

// checkMatrix verifies X is non-empty and rectangular and returns its
// column count.
func checkMatrix(X [][]float64) (int, error) {
	if len(X) == 0 || len(X[0]) == 0 {
		return 0, ErrEmptyDataset
	}
	d := len(X[0])
	for i, row := range X {
		if len(row) != d {
			return 0, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShapeMismatch, i, len(row), d)
		}
	}
	return d, nil
}
