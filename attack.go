package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Membership-inference attacks over extracted ranks.
//
//	attack 1  average rank      target users only; the attacker knows the
//	                            membership of a fraction of them
//	attack 2  rank histograms   classifier trained on shadow models' users,
//	                            tested on the target's users
//	attack 3  prob histograms   as attack 2, on true-token probabilities
//	record    per-sentence      one threshold per shadow, majority vote
//
// Every attack ends in the same evaluation: predictions give accuracy,
// precision and recall; decision scores give the ROC curve and AUC.
//
// ===========================================================================

// Attack names used in results and metrics.
const (
	AttackAverageRank = "avg_rank"
	AttackShadowRank  = "shadow_hist"
	AttackShadowProb  = "shadow_prob"
	AttackRecordLevel = "record_level"
)

// AllAttacks lists every attack in run order.
var AllAttacks = []string{AttackAverageRank, AttackShadowRank, AttackShadowProb, AttackRecordLevel}

// Result is the outcome of one attack.
type Result struct {
	Name      string
	Accuracy  float64
	AUC       float64
	Precision float64
	Recall    float64
	TrainSize int
	TestSize  int
	ROC       ROC
	Report    string
}

// RowTransform describes the row transforms applied before fitting.
type RowTransform struct {
	Normalize bool
	Scale     bool
}

func (p RowTransform) apply(train, test [][]float64) ([][]float64, [][]float64, error) {
	if p.Normalize {
		train, test = L2Normalize(train), L2Normalize(test)
	}
	if p.Scale {
		var scaler StandardScaler
		if err := scaler.Fit(train); err != nil {
			return nil, nil, err
		}
		var err error
		if train, err = scaler.Transform(train); err != nil {
			return nil, nil, err
		}
		if test, err = scaler.Transform(test); err != nil {
			return nil, nil, err
		}
	}
	return train, test, nil
}

// evaluate fits clf on the training rows and scores the test rows.
func evaluate(name string, clf Classifier, Xtr [][]float64, ytr []int, Xte [][]float64, yte []int) (Result, error) {
	if err := clf.Fit(Xtr, ytr); err != nil {
		return Result{}, fmt.Errorf("%s: fit: %w", name, err)
	}
	return score(name, clf, Xte, yte, len(Xtr))
}

// score evaluates an already fitted classifier.
func score(name string, clf Classifier, Xte [][]float64, yte []int, trainSize int) (Result, error) {
	if len(Xte) == 0 {
		return Result{}, fmt.Errorf("%s: %w: no test rows", name, ErrEmptyDataset)
	}
	pred := Predictions(clf, Xte)
	scores := DecisionScores(clf, Xte)

	auc, err := ROCAUC(yte, scores)
	if err != nil {
		return Result{}, fmt.Errorf("%s: auc: %w", name, err)
	}
	roc, err := ROCCurve(yte, scores)
	if err != nil {
		return Result{}, fmt.Errorf("%s: roc: %w", name, err)
	}
	precision, recall, _ := PrecisionRecallF1(yte, pred)

	return Result{
		Name:      name,
		Accuracy:  Accuracy(yte, pred),
		AUC:       auc,
		Precision: precision,
		Recall:    recall,
		TrainSize: trainSize,
		TestSize:  len(Xte),
		ROC:       roc,
		Report:    ClassificationReport(yte, pred),
	}, nil
}

// splitMembers separates members from non-members, keeping order.
func splitMembers(users []UserRanks) (in, out []UserRanks) {
	for _, u := range users {
		if u.Member {
			in = append(in, u)
		} else {
			out = append(out, u)
		}
	}
	return in, out
}

// AverageRankAttack thresholds each target user's average rank. The first
// int(knowledge * min(|in|, |out|)) members and non-members are the
// attacker's labelled examples; the rest are the test set.
func AverageRankAttack(target []UserRanks, knowledge float64) (Result, error) {
	in, out := splitMembers(target)
	k := int(knowledge * float64(min(len(in), len(out))))

	rows := func(users []UserRanks, label int) ([][]float64, []int) {
		X := make([][]float64, len(users))
		y := make([]int, len(users))
		for i, u := range users {
			X[i] = []float64{AverageRank(u)}
			y[i] = label
		}
		return X, y
	}
	inTrX, inTrY := rows(in[:k], 1)
	outTrX, outTrY := rows(out[:k], 0)
	inTeX, inTeY := rows(in[k:], 1)
	outTeX, outTeY := rows(out[k:], 0)

	return evaluate(AttackAverageRank, &ThresholdClassifier{},
		append(inTrX, outTrX...), append(inTrY, outTrY...),
		append(inTeX, outTeX...), append(inTeY, outTeY...))
}

// ShadowAttackOptions configures the shadow-model attacks.
type ShadowAttackOptions struct {
	Features   FeatureOptions
	Transform  RowTransform
	Classifier string
}

// featurizer maps users to feature rows.
type featurizer func([]UserRanks, FeatureOptions) [][]float64

func shadowAttack(name string, feats featurizer, clf Classifier, shadows [][]UserRanks, target []UserRanks, opts ShadowAttackOptions) (Result, error) {
	// Held-out mixing only applies to the target's members.
	shadowOpts := opts.Features
	shadowOpts.UserDataRatio = 0

	var (
		Xtr [][]float64
		ytr []int
	)
	for _, users := range shadows {
		Xtr = append(Xtr, feats(users, shadowOpts)...)
		ytr = append(ytr, MembershipLabels(users)...)
	}
	Xte := feats(target, opts.Features)
	yte := MembershipLabels(target)

	Xtr, Xte, err := opts.Transform.apply(Xtr, Xte)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	return evaluate(name, clf, Xtr, ytr, Xte, yte)
}

// ShadowHistogramAttack trains on the rank histograms of every shadow
// model's users and tests on the target's users.
func ShadowHistogramAttack(shadows [][]UserRanks, target []UserRanks, opts ShadowAttackOptions) (Result, error) {
	name := opts.Classifier
	if name == "" {
		name = "svm"
	}
	clf, err := NewClassifier(name)
	if err != nil {
		return Result{}, err
	}
	return shadowAttack(AttackShadowRank, RanksToFeatures, clf, shadows, target, opts)
}

// ShadowProbabilityAttack is ShadowHistogramAttack on probability
// histograms with logistic regression.
func ShadowProbabilityAttack(shadows [][]UserRanks, target []UserRanks, opts ShadowAttackOptions) (Result, error) {
	return shadowAttack(AttackShadowProb, ProbabilityFeatures, NewLogisticRegression(), shadows, target, opts)
}

// recordRows expands users into one row per sentence (its mean rank),
// labelled with the user's membership.
func recordRows(users []UserRanks) ([][]float64, []int) {
	var (
		X [][]float64
		y []int
	)
	for _, u := range users {
		label := 0
		if u.Member {
			label = 1
		}
		for _, r := range RecordMeanRanks(u) {
			X = append(X, []float64{r})
			y = append(y, label)
		}
	}
	return X, y
}

// RecordLevelAttack decides membership per sentence. Each shadow model
// contributes a threshold on per-record mean rank; the target's records
// are classified by majority vote.
func RecordLevelAttack(shadows [][]UserRanks, target []UserRanks) (Result, error) {
	vote := &MajorityVote{}
	trainSize := 0
	for i, users := range shadows {
		X, y := recordRows(users)
		clf := &ThresholdClassifier{}
		if err := clf.Fit(X, y); err != nil {
			return Result{}, fmt.Errorf("%s: shadow %d: %w", AttackRecordLevel, i, err)
		}
		vote.Voters = append(vote.Voters, clf)
		trainSize += len(X)
	}
	if len(vote.Voters) == 0 {
		return Result{}, fmt.Errorf("%s: %w: no shadow models", AttackRecordLevel, ErrEmptyDataset)
	}

	Xte, yte := recordRows(target)
	return score(AttackRecordLevel, vote, Xte, yte, trainSize)
}
