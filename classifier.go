package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ===========================================================================
// META-CLASSIFIERS
// ===========================================================================
//
// The attack model is a binary classifier over feature rows: 1 = member,
// 0 = non-member. Three learners cover the attacks:
//
//	LinearSVM            histogram features (the default attack model)
//	LogisticRegression   probability features, or when configured
//	ThresholdClassifier  a single scalar such as average rank
//
// Scores from Decision are monotone in "member-ness" and feed ROC/AUC.
//
// ===========================================================================

var (
	// ErrSingleClass indicates training labels with only one class.
	ErrSingleClass = errors.New("classifier: training data has a single class")

	// ErrInvalidLabel indicates a label outside {0, 1}.
	ErrInvalidLabel = errors.New("classifier: labels must be 0 or 1")
)

// Classifier is a binary membership classifier.
type Classifier interface {
	// Fit trains on rows X with labels y in {0, 1}.
	Fit(X [][]float64, y []int) error

	// Decision returns a score; larger means more likely a member.
	Decision(x []float64) float64

	// Predict returns 1 for member, 0 otherwise.
	Predict(x []float64) int
}

// NewClassifier returns the classifier registered under name.
func NewClassifier(name string) (Classifier, error) {
	switch name {
	case "svm", "linear_svm":
		return NewLinearSVM(), nil
	case "lr", "logistic":
		return NewLogisticRegression(), nil
	case "threshold":
		return &ThresholdClassifier{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown classifier %q", ErrInvalidConfig, name)
	}
}

// checkTrainingSet validates X and y and returns the feature dimension.
func checkTrainingSet(X [][]float64, y []int) (int, error) {
	d, err := checkMatrix(X)
	if err != nil {
		return 0, err
	}
	if len(y) != len(X) {
		return 0, fmt.Errorf("%w: %d rows, %d labels", ErrShapeMismatch, len(X), len(y))
	}
	var pos, neg int
	for _, label := range y {
		switch label {
		case 1:
			pos++
		case 0:
			neg++
		default:
			return 0, fmt.Errorf("%w: got %d", ErrInvalidLabel, label)
		}
	}
	if pos == 0 || neg == 0 {
		return 0, ErrSingleClass
	}
	return d, nil
}

func dot(w, x []float64) float64 {
	s := 0.0
	for i, v := range x {
		s += w[i] * v
	}
	return s
}

// LinearSVM is an L2-regularized linear SVM with squared hinge loss,
// trained by dual coordinate descent. The bias is learned as the weight of
// a constant feature.
type LinearSVM struct {
	C       float64
	Tol     float64
	MaxIter int
	Seed    int64

	Weights []float64
	Bias    float64
}

// NewLinearSVM returns an SVM with C=1.
func NewLinearSVM() *LinearSVM {
	return &LinearSVM{C: 1, Tol: 1e-4, MaxIter: 1000}
}

// Fit solves the dual problem
//
//	min_α ½ αᵀ(Q + D)α - Σα   s.t. α ≥ 0
//
// with Q_ij = y_i y_j x_iᵀx_j and D = I/(2C), one coordinate at a time.
func (m *LinearSVM) Fit(X [][]float64, y []int) error {
	d, err := checkTrainingSet(X, y)
	if err != nil {
		return err
	}
	if m.C <= 0 {
		m.C = 1
	}
	if m.MaxIter <= 0 {
		m.MaxIter = 1000
	}

	n := len(X)
	diag := 1 / (2 * m.C)
	w := make([]float64, d)
	b := 0.0
	alpha := make([]float64, n)
	ys := make([]float64, n)
	qii := make([]float64, n)
	for i, row := range X {
		ys[i] = float64(2*y[i] - 1)
		qii[i] = dot(row, row) + 1 + diag
	}

	rng := rand.New(rand.NewSource(m.Seed))
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	for iter := 0; iter < m.MaxIter; iter++ {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		pgMax, pgMin := math.Inf(-1), math.Inf(1)

		for _, i := range order {
			row := X[i]
			g := ys[i]*(dot(w, row)+b) - 1 + diag*alpha[i]

			pg := g
			if alpha[i] == 0 && g > 0 {
				pg = 0
			}
			pgMax = math.Max(pgMax, pg)
			pgMin = math.Min(pgMin, pg)

			if math.Abs(pg) > 1e-12 {
				old := alpha[i]
				alpha[i] = math.Max(old-g/qii[i], 0)
				delta := (alpha[i] - old) * ys[i]
				for j, v := range row {
					w[j] += delta * v
				}
				b += delta
			}
		}

		if pgMax-pgMin < m.Tol {
			break
		}
	}

	m.Weights, m.Bias = w, b
	return nil
}

// Decision returns the signed distance wᵀx + b.
func (m *LinearSVM) Decision(x []float64) float64 {
	return dot(m.Weights, x) + m.Bias
}

// Predict returns 1 when the decision value is positive.
func (m *LinearSVM) Predict(x []float64) int {
	if m.Decision(x) > 0 {
		return 1
	}
	return 0
}

// LogisticRegression predicts with
//
//	z = Bias + Σ Weights_i * x_i
//	P = 1 / (1 + exp(-z))
//
// and is fit by full-batch gradient descent on the L2-penalized log loss.
type LogisticRegression struct {
	LearningRate float64
	Iterations   int
	L2           float64

	Weights []float64
	Bias    float64
}

// NewLogisticRegression returns a logistic regression with defaults that
// converge on standardized features.
func NewLogisticRegression() *LogisticRegression {
	return &LogisticRegression{LearningRate: 0.1, Iterations: 500, L2: 1e-3}
}

// Fit runs gradient descent from zero weights.
func (m *LogisticRegression) Fit(X [][]float64, y []int) error {
	d, err := checkTrainingSet(X, y)
	if err != nil {
		return err
	}
	n := float64(len(X))
	m.Weights = make([]float64, d)
	m.Bias = 0
	grad := make([]float64, d)

	for iter := 0; iter < m.Iterations; iter++ {
		for j := range grad {
			grad[j] = m.L2 * m.Weights[j]
		}
		gradB := 0.0
		for i, row := range X {
			diff := (m.Probability(row) - float64(y[i])) / n
			for j, v := range row {
				grad[j] += diff * v
			}
			gradB += diff
		}
		for j := range m.Weights {
			m.Weights[j] -= m.LearningRate * grad[j]
		}
		m.Bias -= m.LearningRate * gradB
	}
	return nil
}

// Probability returns P(member | x).
func (m *LogisticRegression) Probability(x []float64) float64 {
	return sigmoid(m.Decision(x))
}

// Decision returns the logit.
func (m *LogisticRegression) Decision(x []float64) float64 {
	return dot(m.Weights, x) + m.Bias
}

// Predict returns 1 when P(member | x) > 0.5.
func (m *LogisticRegression) Predict(x []float64) int {
	if m.Decision(x) > 0 {
		return 1
	}
	return 0
}

// ThresholdClassifier splits on the first feature. It picks the cut point
// and direction with the highest training accuracy.
type ThresholdClassifier struct {
	Threshold float64
	// Below is true when values under the threshold are members, the
	// usual case for ranks and losses.
	Below bool
}

// Fit sweeps every cut between distinct sorted values.
func (m *ThresholdClassifier) Fit(X [][]float64, y []int) error {
	if _, err := checkTrainingSet(X, y); err != nil {
		return err
	}
	n := len(X)
	idx := make([]int, n)
	totalPos := 0
	for i := range idx {
		idx[i] = i
		totalPos += y[i]
	}
	sort.SliceStable(idx, func(a, b int) bool { return X[idx[a]][0] < X[idx[b]][0] })
	value := func(k int) float64 { return X[idx[k]][0] }

	best := -1
	posBelow := 0
	for k := 0; k <= n; k++ {
		if k > 0 {
			posBelow += y[idx[k-1]]
		}
		if k > 0 && k < n && value(k-1) == value(k) {
			continue
		}
		// Members below the cut: positives in [0,k) plus negatives in [k,n).
		belowCorrect := posBelow + (n - k) - (totalPos - posBelow)
		aboveCorrect := n - belowCorrect

		var thr float64
		switch k {
		case 0:
			thr = value(0) - 1
		case n:
			thr = value(n-1) + 1
		default:
			thr = (value(k-1) + value(k)) / 2
		}
		if belowCorrect > best {
			best, m.Threshold, m.Below = belowCorrect, thr, true
		}
		if aboveCorrect > best {
			best, m.Threshold, m.Below = aboveCorrect, thr, false
		}
	}
	return nil
}

// Decision returns the signed distance to the threshold, oriented so that
// positive means member.
func (m *ThresholdClassifier) Decision(x []float64) float64 {
	if m.Below {
		return m.Threshold - x[0]
	}
	return x[0] - m.Threshold
}

// Predict returns 1 on the member side of the threshold.
func (m *ThresholdClassifier) Predict(x []float64) int {
	if m.Decision(x) > 0 {
		return 1
	}
	return 0
}

// MajorityVote combines independently trained voters.
type MajorityVote struct {
	Voters []Classifier
}

// Fit trains every voter on the same data. Voters trained separately can
// be assigned to Voters directly instead.
func (m *MajorityVote) Fit(X [][]float64, y []int) error {
	if len(m.Voters) == 0 {
		return fmt.Errorf("%w: majority vote has no voters", ErrInvalidConfig)
	}
	for i, v := range m.Voters {
		if err := v.Fit(X, y); err != nil {
			return fmt.Errorf("voter %d: %w", i, err)
		}
	}
	return nil
}

// Decision returns the fraction of voters predicting member.
func (m *MajorityVote) Decision(x []float64) float64 {
	if len(m.Voters) == 0 {
		return 0
	}
	votes := 0
	for _, v := range m.Voters {
		votes += v.Predict(x)
	}
	return float64(votes) / float64(len(m.Voters))
}

// Predict returns 1 when more than half of the voters predict member.
func (m *MajorityVote) Predict(x []float64) int {
	if m.Decision(x) > 0.5 {
		return 1
	}
	return 0
}

// DecisionScores applies clf.Decision to every row.
func DecisionScores(clf Classifier, X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = clf.Decision(x)
	}
	return out
}

// Predictions applies clf.Predict to every row.
func Predictions(clf Classifier, X [][]float64) []int {
	out := make([]int, len(X))
	for i, x := range X {
		out[i] = clf.Predict(x)
	}
	return out
}
