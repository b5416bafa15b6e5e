package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// ===========================================================================
// ARTIFACT STORE
// ===========================================================================
//
// One SQLite file holds everything the pipeline produces between steps:
//
//	runs      one row per pipeline run (id, config snapshot)
//	ranks     per (model, user) rank payload, zstd-compressed
//	rosters   which users were members of which model
//	results   attack metrics per run
//
// Rank payload layout (little-endian, before compression):
//
//	uint32 sentences
//	per sentence: uint32 n, n × int32 rank, n × int32 label, n × float64 prob
//
// ===========================================================================

// ErrRunNotFound indicates no stored run matched.
var ErrRunNotFound = errors.New("store: run not found")

var (
	payloadEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	payloadDecoder, _ = zstd.NewReader(nil)
)

// Store is the SQLite-backed artifact store.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  created_at DATETIME NOT NULL,
  config_yaml TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ranks (
  model TEXT NOT NULL,
  user TEXT NOT NULL,
  member INTEGER NOT NULL,
  payload BLOB NOT NULL,
  PRIMARY KEY (model, user)
);

CREATE TABLE IF NOT EXISTS rosters (
  model TEXT NOT NULL,
  user TEXT NOT NULL,
  member INTEGER NOT NULL,
  PRIMARY KEY (model, user)
);

CREATE TABLE IF NOT EXISTS results (
  run_id TEXT NOT NULL,
  attack TEXT NOT NULL,
  accuracy REAL NOT NULL,
  auc REAL NOT NULL,
  precision REAL NOT NULL,
  recall REAL NOT NULL,
  train_size INTEGER NOT NULL,
  test_size INTEGER NOT NULL,
  roc_json TEXT NOT NULL DEFAULT '',
  report TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
`)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PutRanks replaces every stored rank of model with users.
func (s *Store) PutRanks(ctx context.Context, model string, users []UserRanks) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ranks WHERE model = ?;`, model); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO ranks(model, user, member, payload) VALUES(?, ?, ?, ?);
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range users {
		payload, err := encodeRankPayload(u)
		if err != nil {
			return fmt.Errorf("store: encode %s/%s: %w", model, u.User, err)
		}
		if _, err := stmt.ExecContext(ctx, model, u.User, boolToInt(u.Member), payload); err != nil {
			return fmt.Errorf("store: put ranks %s/%s: %w", model, u.User, err)
		}
	}
	return tx.Commit()
}

// GetRanks returns the stored ranks of model, members first, each group
// ordered by user. An unknown model yields an empty slice.
func (s *Store) GetRanks(ctx context.Context, model string) ([]UserRanks, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user, member, payload FROM ranks WHERE model = ? ORDER BY member DESC, user ASC;
`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []UserRanks{}
	for rows.Next() {
		var (
			user    string
			member  int
			payload []byte
		)
		if err := rows.Scan(&user, &member, &payload); err != nil {
			return nil, err
		}
		u, err := decodeRankPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s/%s: %w", model, user, err)
		}
		u.User, u.Member = user, member == 1
		out = append(out, u)
	}
	return out, rows.Err()
}

// HasRanks reports whether any ranks are stored for model.
func (s *Store) HasRanks(ctx context.Context, model string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ranks WHERE model = ?;`, model).Scan(&n)
	return n > 0, err
}

// PutRoster replaces the member and non-member users of model.
func (s *Store) PutRoster(ctx context.Context, model string, members, nonMembers []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rosters WHERE model = ?;`, model); err != nil {
		return err
	}
	insert := func(users []string, member int) error {
		for _, u := range users {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rosters(model, user, member) VALUES(?, ?, ?);`, model, u, member); err != nil {
				return fmt.Errorf("store: put roster %s/%s: %w", model, u, err)
			}
		}
		return nil
	}
	if err := insert(members, 1); err != nil {
		return err
	}
	if err := insert(nonMembers, 0); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRoster returns the sorted member and non-member users of model.
func (s *Store) GetRoster(ctx context.Context, model string) (members, nonMembers []string, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user, member FROM rosters WHERE model = ? ORDER BY user ASC;`, model)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	members, nonMembers = []string{}, []string{}
	for rows.Next() {
		var (
			user   string
			member int
		)
		if err := rows.Scan(&user, &member); err != nil {
			return nil, nil, err
		}
		if member == 1 {
			members = append(members, user)
		} else {
			nonMembers = append(nonMembers, user)
		}
	}
	return members, nonMembers, rows.Err()
}

// CreateRun records a new pipeline run.
func (s *Store) CreateRun(ctx context.Context, id, configYAML string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, created_at, config_yaml) VALUES(?, ?, ?);`,
		id, time.Now().UTC(), configYAML)
	return err
}

// LatestRun returns the id of the most recent run.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1;`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	return id, err
}

// StoredResult is a Result with its run metadata.
type StoredResult struct {
	RunID     string
	CreatedAt time.Time
	Result
}

// PutResult stores one attack result under runID.
func (s *Store) PutResult(ctx context.Context, runID string, r Result) error {
	roc, err := json.Marshal(r.ROC)
	if err != nil {
		return fmt.Errorf("store: marshal roc: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO results(run_id, attack, accuracy, auc, precision, recall, train_size, test_size, roc_json, report, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, r.Name, r.Accuracy, r.AUC, r.Precision, r.Recall, r.TrainSize, r.TestSize, string(roc), r.Report, time.Now().UTC())
	return err
}

// ListResults returns the results of runID, or of every run when runID is
// empty, oldest first.
func (s *Store) ListResults(ctx context.Context, runID string) ([]StoredResult, error) {
	query := `
SELECT run_id, attack, accuracy, auc, precision, recall, train_size, test_size, roc_json, report, created_at
FROM results`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StoredResult{}
	for rows.Next() {
		var (
			r   StoredResult
			roc string
		)
		if err := rows.Scan(&r.RunID, &r.Name, &r.Accuracy, &r.AUC, &r.Precision, &r.Recall,
			&r.TrainSize, &r.TestSize, &roc, &r.Report, &r.CreatedAt); err != nil {
			return nil, err
		}
		if roc != "" {
			if err := json.Unmarshal([]byte(roc), &r.ROC); err != nil {
				return nil, fmt.Errorf("store: roc of %s/%s: %w", r.RunID, r.Name, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeRankPayload(u UserRanks) ([]byte, error) {
	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, binary.LittleEndian, v) }

	if err := write(uint32(len(u.Ranks))); err != nil {
		return nil, err
	}
	for i, ranks := range u.Ranks {
		n := len(ranks)
		if len(u.Labels[i]) != n || len(u.Probs[i]) != n {
			return nil, fmt.Errorf("%w: sentence %d has ragged rank/label/prob", ErrShapeMismatch, i)
		}
		r32 := make([]int32, n)
		l32 := make([]int32, n)
		for t := range ranks {
			r32[t] = int32(ranks[t])
			l32[t] = int32(u.Labels[i][t])
		}
		if err := write(uint32(n)); err != nil {
			return nil, err
		}
		if err := write(r32); err != nil {
			return nil, err
		}
		if err := write(l32); err != nil {
			return nil, err
		}
		if err := write(u.Probs[i]); err != nil {
			return nil, err
		}
	}
	return payloadEncoder.EncodeAll(buf.Bytes(), nil), nil
}

func decodeRankPayload(payload []byte) (UserRanks, error) {
	raw, err := payloadDecoder.DecodeAll(payload, nil)
	if err != nil {
		return UserRanks{}, err
	}
	r := bytes.NewReader(raw)
	read := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var sentences uint32
	if err := read(&sentences); err != nil {
		return UserRanks{}, err
	}
	u := UserRanks{
		Ranks:  make([][]int, sentences),
		Labels: make([][]int, sentences),
		Probs:  make([][]float64, sentences),
	}
	for i := range u.Ranks {
		var n uint32
		if err := read(&n); err != nil {
			return UserRanks{}, err
		}
		r32 := make([]int32, n)
		l32 := make([]int32, n)
		probs := make([]float64, n)
		if err := read(r32); err != nil {
			return UserRanks{}, err
		}
		if err := read(l32); err != nil {
			return UserRanks{}, err
		}
		if err := read(probs); err != nil {
			return UserRanks{}, err
		}
		u.Ranks[i] = make([]int, n)
		u.Labels[i] = make([]int, n)
		for t := range r32 {
			u.Ranks[i][t] = int(r32[t])
			u.Labels[i][t] = int(l32[t])
		}
		u.Probs[i] = probs
	}
	if r.Len() != 0 {
		return UserRanks{}, fmt.Errorf("store: %d trailing payload bytes", r.Len())
	}
	return u, nil
}
