package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// ===========================================================================
// Model Serialization
// ===========================================================================
//
// Checkpoint format (zstd-compressed stream):
//   1. Magic "NMTCKPT1"
//   2. Header length (uint32) + config (JSON)
//   3. Every tensor from Parameters(), in order (little-endian float64)
//
// Still just tensor dumps. Compression matters here because the embedding
// and output tables dominate the file and shadow runs write many of them.
//
// Files are written to a temp file in the destination directory and
// renamed into place, so an interrupted run never leaves a torn checkpoint.
// ===========================================================================

const checkpointMagic = "NMTCKPT1"

// ErrBadCheckpoint indicates a file that is not a model checkpoint.
var ErrBadCheckpoint = errors.New("checkpoint: not a model checkpoint")

// Save writes the model to filename.
func (m *Seq2Seq) Save(filename string) error {
	return writeAtomic(filename, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		if err := m.writeTo(zw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
}

func (m *Seq2Seq) writeTo(w io.Writer) error {
	if _, err := io.WriteString(w, checkpointMagic); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}

	configJSON, err := json.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(configJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(configJSON); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	for i, p := range m.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.Data()); err != nil {
			return fmt.Errorf("failed to write parameter %d: %w", i, err)
		}
	}
	return nil
}

// LoadSeq2Seq reads a model written by Save.
func LoadSeq2Seq(filename string) (*Seq2Seq, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer zr.Close()

	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(zr, magic); err != nil || string(magic) != checkpointMagic {
		return nil, fmt.Errorf("%w: %s", ErrBadCheckpoint, filename)
	}

	var headerLen uint32
	if err := binary.Read(zr, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	configJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(zr, configJSON); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var config Seq2SeqConfig
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Weights are overwritten below; the seed only fixes allocation.
	model, err := NewSeq2Seq(config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}
	for i, p := range model.Parameters() {
		if err := binary.Read(zr, binary.LittleEndian, p.Data()); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
	}
	return model, nil
}

// writeAtomic writes through fn into a temp file next to filename and
// renames it into place on success.
func writeAtomic(filename string, fn func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := fn(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return os.Rename(tmp.Name(), filename)
}

// CheckpointNames builds file names for one experiment configuration.
type CheckpointNames struct {
	Dir           string
	NumUsers      int
	Ablation      bool
	UserDataRatio float64
}

func (n CheckpointNames) suffix() string {
	s := strconv.Itoa(n.NumUsers)
	if n.UserDataRatio > 0 && n.UserDataRatio < 1 {
		s += "_dr" + strconv.FormatFloat(n.UserDataRatio, 'g', -1, 64)
	}
	return s + ".ckpt"
}

func (n CheckpointNames) prefix() string {
	if n.Ablation {
		return "ablation_sated_nmt"
	}
	return "sated_nmt"
}

// Target returns the target model path.
func (n CheckpointNames) Target() string {
	return filepath.Join(n.Dir, n.prefix()+"_"+n.suffix())
}

// Shadow returns the path of shadow model i.
func (n CheckpointNames) Shadow(i int) string {
	return filepath.Join(n.Dir, fmt.Sprintf("%s_shadow_exp%d_%s", n.prefix(), i, n.suffix()))
}

// SourceVocab returns the source vocabulary path.
func (n CheckpointNames) SourceVocab() string {
	return filepath.Join(n.Dir, "src.vocab")
}

// TargetVocab returns the target vocabulary path.
func (n CheckpointNames) TargetVocab() string {
	return filepath.Join(n.Dir, "trg.vocab")
}
