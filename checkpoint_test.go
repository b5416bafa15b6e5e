package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	for _, tied := range []bool{false, true} {
		m := testModel(t, tied, true)
		path := filepath.Join(t.TempDir(), "nested", "model.ckpt")
		require.NoError(t, m.Save(path))

		loaded, err := LoadSeq2Seq(path)
		require.NoError(t, err)
		assert.Equal(t, m.Config(), loaded.Config())

		want, got := m.Parameters(), loaded.Parameters()
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Data(), got[i].Data(), "parameter %d", i)
		}

		ex := Example{Src: []int{SOSID, 4, 5, EOSID}, Trg: []int{SOSID, 6, EOSID}}
		assert.Equal(t, m.Logits(ex).Data(), loaded.Logits(ex).Data())

		// No temp files are left behind.
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestLoadSeq2SeqRejectsOtherFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSeq2Seq(filepath.Join(dir, "missing.ckpt"))
	assert.Error(t, err)

	// A valid zstd stream with the wrong contents.
	vocabPath := filepath.Join(dir, "not-a-model.ckpt")
	require.NoError(t, writeAtomic(vocabPath, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(zw, "WORD_VOCAB\n"); err != nil {
			return err
		}
		return zw.Close()
	}))
	_, err = LoadSeq2Seq(vocabPath)
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}

func TestCheckpointNames(t *testing.T) {
	n := CheckpointNames{Dir: "/models", NumUsers: 300}
	assert.Equal(t, "/models/sated_nmt_300.ckpt", n.Target())
	assert.Equal(t, "/models/sated_nmt_shadow_exp2_300.ckpt", n.Shadow(2))
	assert.Equal(t, "/models/src.vocab", n.SourceVocab())
	assert.Equal(t, "/models/trg.vocab", n.TargetVocab())

	n.Ablation = true
	n.UserDataRatio = 0.5
	assert.Equal(t, "/models/ablation_sated_nmt_300_dr0.5.ckpt", n.Target())
	assert.Equal(t, "/models/ablation_sated_nmt_shadow_exp0_300_dr0.5.ckpt", n.Shadow(0))

	n.UserDataRatio = 1
	assert.Equal(t, "/models/ablation_sated_nmt_300.ckpt", n.Target())
}
