package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedStore(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	s, err := OpenStore(filepath.Join(dir, "nmtaudit.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateRun(ctx, "run-a", ""))
	for _, r := range sampleResults() {
		r.Report = "per-class report for " + r.Name + "\n"
		require.NoError(t, s.PutResult(ctx, "run-a", r))
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=1")

	_, err = newLogger(&buf, "loud")
	assert.ErrorContains(t, err, "--log-level")
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, "run-x", sampleResults()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "run run-x", strings.TrimSpace(lines[0]))
	assert.Equal(t, []string{"ATTACK", "ACCURACY", "AUC", "PRECISION", "RECALL", "TRAIN", "TEST"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"shadow_hist", "0.900", "1.000", "0.000", "0.000", "0", "0"}, strings.Fields(lines[3]))
}

func TestPrintStoredResults(t *testing.T) {
	stored := []StoredResult{{
		RunID:     "run-a",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Result:    Result{Name: AttackRecordLevel, Accuracy: 0.55, AUC: 0.6, Report: "details\n"},
	}}

	var buf bytes.Buffer
	require.NoError(t, printStoredResults(&buf, stored, false))
	assert.Contains(t, buf.String(), "record_level")
	assert.NotContains(t, buf.String(), "details")

	buf.Reset()
	require.NoError(t, printStoredResults(&buf, stored, true))
	assert.Contains(t, buf.String(), "run-a / record_level\ndetails\n")
}

func TestResultsCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	out, err := execute(t, "results", "--out", dir, "--report")
	require.NoError(t, err)
	assert.Contains(t, out, "avg_rank")
	assert.Contains(t, out, "shadow_hist")
	assert.Contains(t, out, "per-class report for avg_rank")

	out, err = execute(t, "results", "--out", dir, "--run", "other")
	require.NoError(t, err)
	assert.NotContains(t, out, "avg_rank")
}

func TestROCCommand(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "roc", "--out", dir)
	assert.ErrorIs(t, err, ErrRunNotFound)

	seedStore(t, dir)
	out, err := execute(t, "roc", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "=== ROC: avg_rank")
	assert.Contains(t, out, "(chance)")

	path := filepath.Join(dir, "roc.csv")
	_, err = execute(t, "roc", "--out", dir, "--format", "csv", "-o", path)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 7)

	_, err = execute(t, "roc", "--out", dir, "--format", "svg")
	assert.ErrorContains(t, err, "unknown format")
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roc.txt")

	require.NoError(t, writeFile(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "roc\n")
		return err
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "roc\n", string(data))

	failed := errors.New("write failed")
	assert.ErrorIs(t, writeFile(path, func(io.Writer) error { return failed }), failed)

	err = writeFile(filepath.Join(dir, "missing", "roc.txt"), func(io.Writer) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)

	seedStore(t, dir)
	_, err = execute(t, "roc", "--out", dir, "-o", filepath.Join(dir, "missing", "roc.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommandFlagErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "ranks", "--out", dir, "--log-level", "loud")
	assert.ErrorContains(t, err, "--log-level")

	_, err = execute(t, "attack", "--config", filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = execute(t, "results", "extra")
	assert.Error(t, err)
}

func TestRunAndFeaturesCommands(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	cfg := tinyConfig(t)
	snapshot, err := cfg.YAML()
	require.NoError(t, err)
	cfgPath := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(snapshot), 0o644))

	out, err := execute(t, "run", "--config", cfgPath, "--log-level", "error", "--workers", "1")
	require.NoError(t, err)
	for _, name := range AllAttacks {
		assert.Contains(t, out, name)
	}

	projection := filepath.Join(t.TempDir(), "projection.csv")
	_, err = execute(t, "features", "--config", cfgPath, "--log-level", "error", "-o", projection)
	require.NoError(t, err)
	data, err := os.ReadFile(projection)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "user,member,x,y\n"))
	assert.Equal(t, 9, strings.Count(string(data), "\n"))

	out, err = execute(t, "attack", "--config", cfgPath, "--log-level", "error", "--attacks", AttackAverageRank)
	require.NoError(t, err)
	assert.Contains(t, out, AttackAverageRank)
	assert.NotContains(t, out, AttackRecordLevel)
}
