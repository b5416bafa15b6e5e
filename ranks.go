package main

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Rank extraction is the bridge between a trained model and the attacks.
// For every sentence of a user, the decoder is teacher-forced over the
// reference translation and at each step t we record
//
//	rank_t  = |{ v : p(v) > p(y_t) }|    (0 when y_t is the argmax)
//	label_t = y_t                       (the true token id)
//	prob_t  = p(y_t)
//
// A model that has memorized a sentence ranks its tokens near 0. Feature
// builders later turn these per-sentence sequences into fixed-length
// vectors.
//
// Users are independent, so extraction fans out across goroutines. The
// model is only read during evaluation-mode forward passes.
//
// ===========================================================================

// UserRanks holds one user's per-sentence rank sequences.
// Ranks[i], Labels[i] and Probs[i] all describe sentence i.
type UserRanks struct {
	User   string
	Member bool
	Ranks  [][]int
	Labels [][]int
	Probs  [][]float64
}

// NumSentences returns the number of ranked sentences.
func (u UserRanks) NumSentences() int {
	return len(u.Ranks)
}

// Flat returns every rank of the user concatenated.
func (u UserRanks) Flat() []int {
	var out []int
	for _, r := range u.Ranks {
		out = append(out, r...)
	}
	return out
}

// rankOf counts entries with a strictly higher probability than probs[label].
func rankOf(probs []float64, label int) int {
	p := probs[label]
	rank := 0
	for _, q := range probs {
		if q > p {
			rank++
		}
	}
	return rank
}

// TokenRanks teacher-forces ex through the model and returns the rank,
// label and probability of every target token after <sos>.
func TokenRanks(model *Seq2Seq, ex Example) (ranks, labels []int, probs []float64) {
	logits := model.Logits(ex)
	dist := Softmax(logits)
	V := dist.shape[1]

	targets := ex.Trg[1:]
	ranks = make([]int, len(targets))
	labels = make([]int, len(targets))
	probs = make([]float64, len(targets))
	for t, y := range targets {
		row := dist.data[t*V : (t+1)*V]
		ranks[t] = rankOf(row, y)
		labels[t] = y
		probs[t] = row[y]
	}
	return ranks, labels, probs
}

// DecodedRanks greedy-decodes the source and ranks the reference tokens
// within the distribution of the decoding step at the same position. The
// alignment stops at the shorter of the two sequences.
func DecodedRanks(model *Seq2Seq, ex Example, maxLen int) (ranks, labels []int, probs []float64) {
	_, dists := model.GreedyDecode(ex.Src, maxLen)
	targets := ex.Trg[1:]
	n := len(targets)
	if len(dists) < n {
		n = len(dists)
	}
	ranks = make([]int, n)
	labels = make([]int, n)
	probs = make([]float64, n)
	for t := 0; t < n; t++ {
		y := targets[t]
		ranks[t] = rankOf(dists[t], y)
		labels[t] = y
		probs[t] = dists[t][y]
	}
	return ranks, labels, probs
}

// RankExtractor computes UserRanks for a set of users.
type RankExtractor struct {
	Model   *Seq2Seq
	Src     *Vocabulary
	Trg     *Vocabulary
	Workers int

	// Decoded switches to greedy-decoding alignment (DecodedRanks).
	Decoded bool
	MaxLen  int
}

// Extract ranks every sentence of every listed user. Results come back in
// the order of users. member is stored on each result.
func (re *RankExtractor) Extract(ctx context.Context, data *Dataset, users []string, member bool) ([]UserRanks, error) {
	out := make([]UserRanks, len(users))

	g, ctx := errgroup.WithContext(ctx)
	workers := re.Workers
	if workers <= 0 {
		workers = GetGlobalComputeConfig().Workers()
	}
	g.SetLimit(workers)

	for i, user := range users {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ur := UserRanks{User: user, Member: member}
			for _, ex := range EncodePairs(data.Pairs(user), re.Src, re.Trg) {
				var (
					r, l []int
					p    []float64
				)
				if re.Decoded {
					r, l, p = DecodedRanks(re.Model, ex, re.maxLen(ex))
				} else {
					r, l, p = TokenRanks(re.Model, ex)
				}
				ur.Ranks = append(ur.Ranks, r)
				ur.Labels = append(ur.Labels, l)
				ur.Probs = append(ur.Probs, p)
			}
			out[i] = ur
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extract ranks: %w", err)
	}
	return out, nil
}

func (re *RankExtractor) maxLen(ex Example) int {
	if re.MaxLen > 0 {
		return re.MaxLen
	}
	return 2 * len(ex.Trg)
}

// ExtractRanks is the functional form of RankExtractor.Extract.
func ExtractRanks(ctx context.Context, model *Seq2Seq, src, trg *Vocabulary, data *Dataset, users []string, member bool, workers int) ([]UserRanks, error) {
	re := &RankExtractor{Model: model, Src: src, Trg: trg, Workers: workers}
	return re.Extract(ctx, data, users, member)
}

// shuffleUserRanks returns a shuffled copy, used to break the members-first
// ordering before classifiers see the rows.
func shuffleUserRanks(users []UserRanks, rng *rand.Rand) []UserRanks {
	out := append([]UserRanks(nil), users...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
