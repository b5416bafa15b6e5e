package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildVocabularyFrequencyOrder(t *testing.T) {
	sentences := [][]string{
		{"the", "cat", "sat"},
		{"the", "dog", "sat"},
		{"the", "cat"},
	}

	v := BuildVocabulary(sentences, 3)

	// Reserved ids first, then by count with lexical tie-break.
	assert.Equal(t, 7, v.Size())
	assert.Equal(t, 4, v.ID("the"))
	assert.Equal(t, 5, v.ID("cat"))
	assert.Equal(t, 6, v.ID("sat"))
	assert.Equal(t, UnkID, v.ID("dog"))
}

func TestVocabularyEncodeDecode(t *testing.T) {
	v := BuildVocabulary([][]string{{"hello", "world"}}, 10)

	ids := v.Encode([]string{"hello", "there", "world"})
	assert.Equal(t, []int{SOSID, v.ID("hello"), UnkID, v.ID("world"), EOSID}, ids)

	words := v.Decode(append(ids, v.ID("hello")))
	assert.Equal(t, []string{"hello", "<unk>", "world"}, words)
}

func TestVocabularySaveLoad(t *testing.T) {
	v := BuildVocabulary([][]string{{"ça", "va", "bien", "va"}}, 10)
	path := filepath.Join(t.TempDir(), "trg.vocab")

	require.NoError(t, v.Save(path))
	loaded, err := LoadVocabulary(path)
	require.NoError(t, err)

	assert.Equal(t, v.Size(), loaded.Size())
	for id := 0; id < v.Size(); id++ {
		assert.Equal(t, v.Word(id), loaded.Word(id))
	}
	assert.Equal(t, v.ID("ça"), loaded.ID("ça"))
}

func TestLoadVocabularyRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vocab")
	require.NoError(t, writeLines(path, []string{"SIMPLE_TOKENIZER", "0\t00"}))

	_, err := LoadVocabulary(path)
	assert.ErrorContains(t, err, "invalid header")
}
