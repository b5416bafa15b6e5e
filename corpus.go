package main

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ===========================================================================
// PER-USER PARALLEL CORPUS
// ===========================================================================
//
// The corpus is a SATED-style release: every split has three aligned files,
//
//	<split>.<src>   one source sentence per line
//	<split>.<trg>   its translation
//	<split>.usr     the user (speaker) who wrote it
//
// Membership is decided per user, so everything downstream is keyed by user.
// PartitionUsers carves the user population into three disjoint groups:
//
//	[0, N)    members       train the target model
//	[N, 2N)   non-members   never seen by the target, the "out" side
//	[2N, 4N)  attacker pool shadow models sample their members from here
//
// Shadow models therefore never touch the target's users, which is what
// makes their in/out behavior a fair proxy for the target's.
//
// ===========================================================================

var (
	// ErrEmptyDataset indicates a split or user set with no sentences.
	ErrEmptyDataset = errors.New("corpus: empty dataset")

	// ErrNotEnoughUsers indicates the corpus cannot supply the requested
	// number of users for a partition or shadow sample.
	ErrNotEnoughUsers = errors.New("corpus: not enough users")
)

var (
	punctuationRe = regexp.MustCompile(`([?.!,¿])`)
	nonLetterRe   = regexp.MustCompile(`[^a-zA-Z?.!,¿]+`)
)

// Pair is one aligned sentence pair with its author.
type Pair struct {
	User string
	Src  []string
	Trg  []string
}

// Example is an encoded pair ready for the model.
type Example struct {
	Src []int
	Trg []int
}

// Preprocess normalizes a raw line into words:
// lowercase, strip accents, split off punctuation, drop everything that
// is not a letter or one of ?.!,¿.
func Preprocess(line string) []string {
	s := strings.ToLower(strings.TrimSpace(line))

	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}

	s = punctuationRe.ReplaceAllString(s, " $1 ")
	s = nonLetterRe.ReplaceAllString(s, " ")
	return strings.Fields(s)
}

// LoadSplit reads one split of the corpus. The user file is optional for
// dev/test splits; pairs without one get an empty User. Pairs whose target
// preprocesses to no words are dropped.
func LoadSplit(dir, split, srcLang, trgLang string) ([]Pair, error) {
	srcLines, err := readLines(filepath.Join(dir, split+"."+srcLang))
	if err != nil {
		return nil, err
	}
	trgLines, err := readLines(filepath.Join(dir, split+"."+trgLang))
	if err != nil {
		return nil, err
	}
	if len(srcLines) != len(trgLines) {
		return nil, fmt.Errorf("corpus: %s has %d source and %d target lines", split, len(srcLines), len(trgLines))
	}

	userPath := filepath.Join(dir, split+".usr")
	var users []string
	if _, statErr := os.Stat(userPath); statErr == nil {
		users, err = readLines(userPath)
		if err != nil {
			return nil, err
		}
		if len(users) != len(srcLines) {
			return nil, fmt.Errorf("corpus: %s has %d user and %d sentence lines", split, len(users), len(srcLines))
		}
	} else if split == "train" {
		return nil, fmt.Errorf("corpus: train split needs %s: %w", userPath, statErr)
	}

	pairs := make([]Pair, 0, len(srcLines))
	for i := range srcLines {
		p := Pair{Src: Preprocess(srcLines[i]), Trg: Preprocess(trgLines[i])}
		if users != nil {
			p.User = strings.TrimSpace(users[i])
		}
		if p.rankable() {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

// rankable reports whether the pair has a target word to decode.
func (p Pair) rankable() bool {
	return len(p.Trg) > 0
}

// UserPartition is the disjoint split of users described above.
type UserPartition struct {
	Members      []string
	NonMembers   []string
	AttackerPool []string
}

// PartitionUsers orders users by sentence count (descending, ties by id),
// shuffles that order with a fixed seed, and slices it into members,
// non-members and the attacker pool.
func PartitionUsers(pairs []Pair, numUsers int, seed int64) (UserPartition, error) {
	if numUsers <= 0 {
		return UserPartition{}, fmt.Errorf("%w: numUsers must be positive", ErrInvalidConfig)
	}

	counts := make(map[string]int)
	for _, p := range pairs {
		counts[p.User]++
	}
	users := make([]string, 0, len(counts))
	for u := range counts {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if counts[users[i]] != counts[users[j]] {
			return counts[users[i]] > counts[users[j]]
		}
		return users[i] < users[j]
	})

	if len(users) < 2*numUsers {
		return UserPartition{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughUsers, len(users), 2*numUsers)
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })

	poolEnd := 4 * numUsers
	if poolEnd > len(users) {
		poolEnd = len(users)
	}
	return UserPartition{
		Members:      sortedCopy(users[:numUsers]),
		NonMembers:   sortedCopy(users[numUsers : 2*numUsers]),
		AttackerPool: sortedCopy(users[2*numUsers : poolEnd]),
	}, nil
}

// SampleShadowUsers draws n users from the pool without replacement.
// The sampled users are the shadow model's members; the rest of the pool
// are its non-members.
func SampleShadowUsers(pool []string, n int, rng *rand.Rand) (members, nonMembers []string, err error) {
	if n <= 0 || n > len(pool) {
		return nil, nil, fmt.Errorf("%w: pool has %d users, need %d", ErrNotEnoughUsers, len(pool), n)
	}
	perm := rng.Perm(len(pool))
	for i, idx := range perm {
		if i < n {
			members = append(members, pool[idx])
		} else {
			nonMembers = append(nonMembers, pool[idx])
		}
	}
	sort.Strings(members)
	sort.Strings(nonMembers)
	return members, nonMembers, nil
}

// Dataset groups pairs by user, with users kept in sorted order.
type Dataset struct {
	users  []string
	byUser map[string][]Pair
}

// NewDataset keeps the pairs whose user is in users. A nil users slice
// keeps every user that appears in pairs. Pairs with an empty target are
// dropped.
func NewDataset(pairs []Pair, users []string) *Dataset {
	d := &Dataset{byUser: make(map[string][]Pair)}
	var keep map[string]bool
	if users != nil {
		keep = make(map[string]bool, len(users))
		for _, u := range users {
			keep[u] = true
		}
	}
	for _, p := range pairs {
		if !p.rankable() || (keep != nil && !keep[p.User]) {
			continue
		}
		d.byUser[p.User] = append(d.byUser[p.User], p)
	}
	for u := range d.byUser {
		d.users = append(d.users, u)
	}
	sort.Strings(d.users)
	return d
}

// Users returns the users in sorted order.
func (d *Dataset) Users() []string {
	return d.users
}

// Pairs returns one user's pairs.
func (d *Dataset) Pairs(user string) []Pair {
	return d.byUser[user]
}

// All returns every pair, grouped by user in sorted order.
func (d *Dataset) All() []Pair {
	var all []Pair
	for _, u := range d.users {
		all = append(all, d.byUser[u]...)
	}
	return all
}

// Len returns the number of pairs.
func (d *Dataset) Len() int {
	n := 0
	for _, ps := range d.byUser {
		n += len(ps)
	}
	return n
}

// Without returns a copy of the dataset minus the user at the given index
// of Users(). A negative index returns d unchanged.
func (d *Dataset) Without(index int) *Dataset {
	if index < 0 || index >= len(d.users) {
		return d
	}
	out := &Dataset{byUser: make(map[string][]Pair, len(d.byUser))}
	for i, u := range d.users {
		if i == index {
			continue
		}
		out.users = append(out.users, u)
		out.byUser[u] = d.byUser[u]
	}
	return out
}

// SplitByRatio keeps the first int(len*ratio) pairs of every user for
// training and returns the rest as held-out pairs of the same users.
// A ratio outside (0, 1) keeps everything for training.
func (d *Dataset) SplitByRatio(ratio float64) (train, heldout *Dataset) {
	if ratio <= 0 || ratio >= 1 {
		return d, &Dataset{byUser: map[string][]Pair{}}
	}
	train = &Dataset{users: d.users, byUser: make(map[string][]Pair, len(d.byUser))}
	heldout = &Dataset{users: d.users, byUser: make(map[string][]Pair, len(d.byUser))}
	for _, u := range d.users {
		ps := d.byUser[u]
		n := int(float64(len(ps)) * ratio)
		train.byUser[u] = ps[:n]
		heldout.byUser[u] = ps[n:]
	}
	return train, heldout
}

// SourceSentences returns the source side of every pair.
func (d *Dataset) SourceSentences() [][]string {
	var out [][]string
	for _, p := range d.All() {
		out = append(out, p.Src)
	}
	return out
}

// TargetSentences returns the target side of every pair.
func (d *Dataset) TargetSentences() [][]string {
	var out [][]string
	for _, p := range d.All() {
		out = append(out, p.Trg)
	}
	return out
}

// EncodePairs converts pairs to id sequences. Pairs whose target has no
// words are skipped; LoadSplit and NewDataset never hold one, so the
// examples of a Dataset line up with its pairs.
func EncodePairs(pairs []Pair, src, trg *Vocabulary) []Example {
	out := make([]Example, 0, len(pairs))
	for _, p := range pairs {
		if !p.rankable() {
			continue
		}
		out = append(out, Example{Src: src.Encode(p.Src), Trg: trg.Encode(p.Trg)})
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("corpus: reading %s: %w", path, err)
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
