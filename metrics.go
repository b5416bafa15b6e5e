package main

import (
	"fmt"
	"sort"
	"strings"
)

// Accuracy returns the fraction of predictions equal to the labels.
func Accuracy(y, pred []int) float64 {
	if len(y) == 0 {
		return 0
	}
	correct := 0
	for i := range y {
		if y[i] == pred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(y))
}

// ClassStats is precision/recall/F1 for one class.
type ClassStats struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// classStats scores class c. Undefined ratios are reported as 0.
func classStats(y, pred []int, c int) ClassStats {
	var tp, fp, fn, support int
	for i := range y {
		switch {
		case pred[i] == c && y[i] == c:
			tp++
		case pred[i] == c:
			fp++
		case y[i] == c:
			fn++
		}
		if y[i] == c {
			support++
		}
	}
	s := ClassStats{Support: support}
	if tp+fp > 0 {
		s.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		s.Recall = float64(tp) / float64(tp+fn)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// PrecisionRecallF1 scores the member class (label 1).
func PrecisionRecallF1(y, pred []int) (precision, recall, f1 float64) {
	s := classStats(y, pred, 1)
	return s.Precision, s.Recall, s.F1
}

// ClassificationReport renders per-class precision, recall, F1 and support
// as a text table.
func ClassificationReport(y, pred []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%12s %10s %10s %10s %10s\n", "", "precision", "recall", "f1-score", "support")
	names := []string{"non-member", "member"}
	for c, name := range names {
		s := classStats(y, pred, c)
		fmt.Fprintf(&b, "%12s %10.2f %10.2f %10.2f %10d\n", name, s.Precision, s.Recall, s.F1, s.Support)
	}
	fmt.Fprintf(&b, "\n%12s %10s %10s %10.2f %10d\n", "accuracy", "", "", Accuracy(y, pred), len(y))
	return b.String()
}

// ROCAUC returns the area under the ROC curve, computed as the
// Mann-Whitney statistic with average ranks for tied scores.
func ROCAUC(y []int, scores []float64) (float64, error) {
	if len(y) != len(scores) {
		return 0, fmt.Errorf("%w: %d labels, %d scores", ErrShapeMismatch, len(y), len(scores))
	}
	var pos, neg int
	for _, label := range y {
		if label == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, ErrSingleClass
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	// Ranks are 1-based; tied runs share their mean rank.
	rankSumPos := 0.0
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && scores[idx[end]] == scores[idx[start]] {
			end++
		}
		avg := float64(start+end+1) / 2
		for k := start; k < end; k++ {
			if y[idx[k]] == 1 {
				rankSumPos += avg
			}
		}
		start = end
	}

	u := rankSumPos - float64(pos*(pos+1))/2
	return u / float64(pos*neg), nil
}

// ROC is a receiver operating characteristic curve.
type ROC struct {
	FPR        []float64
	TPR        []float64
	Thresholds []float64
}

// ROCCurve sweeps thresholds from the highest score down. The first point
// is (0, 0) with threshold max(score)+1; one point is emitted per distinct
// score.
func ROCCurve(y []int, scores []float64) (ROC, error) {
	if len(y) != len(scores) {
		return ROC{}, fmt.Errorf("%w: %d labels, %d scores", ErrShapeMismatch, len(y), len(scores))
	}
	var pos, neg int
	for _, label := range y {
		if label == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return ROC{}, ErrSingleClass
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	roc := ROC{FPR: []float64{0}, TPR: []float64{0}, Thresholds: []float64{scores[idx[0]] + 1}}
	var tp, fp int
	for k := 0; k < len(idx); k++ {
		if y[idx[k]] == 1 {
			tp++
		} else {
			fp++
		}
		if k+1 < len(idx) && scores[idx[k+1]] == scores[idx[k]] {
			continue
		}
		roc.FPR = append(roc.FPR, float64(fp)/float64(neg))
		roc.TPR = append(roc.TPR, float64(tp)/float64(pos))
		roc.Thresholds = append(roc.Thresholds, scores[idx[k]])
	}
	return roc, nil
}
