package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ===========================================================================
// WORD VOCABULARY
// ===========================================================================
//
// Translation models here work on whole words, not subwords. The vocabulary
// keeps the numWords most frequent words of the member sentences and maps
// everything else to <unk>.
//
// Ids are frequency ordered. That ordering is load-bearing: the attack's
// "relative rank" feature subtracts the true token id from its rank, which
// only makes sense if a small id means a common word.
//
// ===========================================================================

// Reserved token ids.
const (
	PadID = 0
	UnkID = 1
	SOSID = 2
	EOSID = 3

	numReserved = 4
)

var reservedTokens = []string{"<pad>", "<unk>", "<sos>", "<eos>"}

// ErrVocabMismatch is returned when a checkpoint and a vocabulary disagree.
var ErrVocabMismatch = errors.New("vocab: size mismatch")

// Vocabulary maps words to ids and back.
type Vocabulary struct {
	wordToID map[string]int
	idToWord []string
}

// BuildVocabulary counts words across sentences and keeps the numWords most
// frequent, ties broken lexically so the result is deterministic.
func BuildVocabulary(sentences [][]string, numWords int) *Vocabulary {
	counts := make(map[string]int)
	for _, s := range sentences {
		for _, w := range s {
			counts[w]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if numWords > 0 && len(words) > numWords {
		words = words[:numWords]
	}

	v := &Vocabulary{
		wordToID: make(map[string]int, len(words)+numReserved),
		idToWord: make([]string, 0, len(words)+numReserved),
	}
	for _, w := range reservedTokens {
		v.add(w)
	}
	for _, w := range words {
		v.add(w)
	}
	return v
}

func (v *Vocabulary) add(w string) {
	v.wordToID[w] = len(v.idToWord)
	v.idToWord = append(v.idToWord, w)
}

// Size returns the number of ids, reserved tokens included.
func (v *Vocabulary) Size() int {
	return len(v.idToWord)
}

// ID returns the id of a word, or UnkID.
func (v *Vocabulary) ID(word string) int {
	if id, ok := v.wordToID[word]; ok {
		return id
	}
	return UnkID
}

// Word returns the word for an id, or "<unk>" when out of range.
func (v *Vocabulary) Word(id int) string {
	if id < 0 || id >= len(v.idToWord) {
		return reservedTokens[UnkID]
	}
	return v.idToWord[id]
}

// Encode converts words to ids wrapped as <sos> w... <eos>.
func (v *Vocabulary) Encode(words []string) []int {
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, SOSID)
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}
	return append(ids, EOSID)
}

// Decode converts ids to words. It stops at <eos> and skips <sos>/<pad>.
func (v *Vocabulary) Decode(ids []int) []string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case EOSID:
			return words
		case SOSID, PadID:
			continue
		}
		words = append(words, v.Word(id))
	}
	return words
}

// Save writes the vocabulary as a header line followed by one
// "id<TAB>hex(word)" line per entry.
func (v *Vocabulary) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("vocab: failed to create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w, "WORD_VOCAB"); err != nil {
		return fmt.Errorf("vocab: failed to write header: %w", err)
	}
	for id, word := range v.idToWord {
		if _, err := fmt.Fprintf(w, "%d\t%s\n", id, hex.EncodeToString([]byte(word))); err != nil {
			return fmt.Errorf("vocab: failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("vocab: failed to flush: %w", err)
	}
	return f.Close()
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(filename string) (*Vocabulary, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("vocab: failed to open file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("vocab: empty file")
	}
	if scanner.Text() != "WORD_VOCAB" {
		return nil, fmt.Errorf("vocab: invalid header")
	}

	v := &Vocabulary{wordToID: make(map[string]int)}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idText, wordHex, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("vocab: malformed line %q", line)
		}
		id, err := strconv.Atoi(idText)
		if err != nil {
			return nil, fmt.Errorf("vocab: failed to parse id: %w", err)
		}
		if id != len(v.idToWord) {
			return nil, fmt.Errorf("vocab: id %d out of sequence", id)
		}
		word, err := hex.DecodeString(wordHex)
		if err != nil {
			return nil, fmt.Errorf("vocab: failed to decode word: %w", err)
		}
		v.add(string(word))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vocab: error reading file: %w", err)
	}
	if v.Size() < numReserved {
		return nil, fmt.Errorf("vocab: missing reserved tokens")
	}
	return v, nil
}
