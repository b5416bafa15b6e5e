package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The audit pipeline, one method per phase:
//
//	TrainTarget      members' data → target model + vocabularies
//	TrainShadows     attacker-pool samples → N shadow models
//	ExtractAllRanks  every model × its members and non-members → ranks
//	RunAttacks       stored ranks → attack results
//
// Phases hand off through files (checkpoints, vocabularies) and the SQLite
// store (rosters, ranks, results), so each can run as its own command and
// a crashed run resumes from the last finished phase.
//
// ===========================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Model names used as store keys.
const targetModel = "target"

func shadowModel(i int) string {
	return fmt.Sprintf("shadow_%d", i)
}

// Experiment runs the audit for one configuration.
type Experiment struct {
	Config    Config
	Store     *Store
	Logger    *slog.Logger
	Telemetry *Telemetry
	Metrics   *TrainingMetrics
	RunID     string

	// Retrain trains models even when their checkpoints exist.
	Retrain bool

	once      sync.Once
	corpusErr error
	train     *Dataset
	dev       []Pair
	partition UserPartition
}

// NewExperiment validates cfg, creates the output directory and opens the
// store and telemetry.
func NewExperiment(cfg Config, logger *slog.Logger) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	store, err := OpenStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	tel, err := NewTelemetry(cfg.Output, runID)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Experiment{
		Config:    cfg,
		Store:     store,
		Logger:    logger.With("run", runID),
		Telemetry: tel,
		Metrics:   NewTrainingMetrics(),
		RunID:     runID,
	}, nil
}

// Close flushes telemetry and closes the store.
func (e *Experiment) Close(ctx context.Context) error {
	return errors.Join(e.Telemetry.Close(ctx), e.Store.Close())
}

func (e *Experiment) names() CheckpointNames {
	return e.Config.Checkpoints()
}

// loadCorpus reads the train and dev splits and partitions users, once.
func (e *Experiment) loadCorpus() error {
	e.once.Do(func() {
		d := e.Config.Data
		train, err := LoadSplit(d.Dir, "train", d.SrcLang, d.TrgLang)
		if err != nil {
			e.corpusErr = err
			return
		}
		dev, err := LoadSplit(d.Dir, "dev", d.SrcLang, d.TrgLang)
		if err != nil {
			e.corpusErr = err
			return
		}
		part, err := PartitionUsers(train, d.NumUsers, d.Seed)
		if err != nil {
			e.corpusErr = err
			return
		}
		e.train = NewDataset(train, nil)
		e.dev = dev
		e.partition = part
		e.Logger.Info("corpus loaded",
			"train", len(train),
			"dev", len(dev),
			"users", len(e.train.Users()),
			"members", len(part.Members),
			"non_members", len(part.NonMembers),
			"pool", len(part.AttackerPool))
	})
	return e.corpusErr
}

func (e *Experiment) loadVocabularies() (src, trg *Vocabulary, err error) {
	names := e.names()
	if src, err = LoadVocabulary(names.SourceVocab()); err != nil {
		return nil, nil, fmt.Errorf("load vocabularies (train the target first): %w", err)
	}
	if trg, err = LoadVocabulary(names.TargetVocab()); err != nil {
		return nil, nil, fmt.Errorf("load vocabularies (train the target first): %w", err)
	}
	return src, trg, nil
}

// span starts a phase span and returns a func that ends it, recording err.
func (e *Experiment) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := e.Telemetry.StartSpan(ctx, name, append(attrs, attribute.String("run_id", e.RunID))...)
	return ctx, func(errp *error) { endSpan(span, *errp) }
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Experiment) observeEpoch(s EpochStats) {
	e.Telemetry.ObserveEpoch(s)
	e.Metrics.Record(s)
}

// compute sets tensor parallelism for a phase: matmul splits across
// workers only while a single model trains.
func (e *Experiment) compute(concurrentModels int) {
	cfg := DefaultComputeConfig()
	if concurrentModels > 1 {
		cfg = SingleThreadedConfig()
	}
	cfg.NumWorkers = e.Config.Compute.Workers
	SetGlobalComputeConfig(cfg)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TrainTarget trains the target model on its members' data and saves the
// model, the vocabularies and the member roster.
func (e *Experiment) TrainTarget(ctx context.Context) (err error) {
	ctx, end := e.span(ctx, "train_target")
	defer end(&err)

	if err := e.loadCorpus(); err != nil {
		return err
	}

	d := e.Config.Data
	all := NewDataset(e.train.All(), e.partition.Members)
	members := all.Without(d.LeaveOut)

	// A left-out user was never trained on, so it joins the non-members.
	nonMembers := slices.Clone(e.partition.NonMembers)
	for _, u := range all.Users() {
		if !slices.Contains(members.Users(), u) {
			nonMembers = append(nonMembers, u)
		}
	}
	if err := e.Store.PutRoster(ctx, targetModel, members.Users(), nonMembers); err != nil {
		return err
	}

	names := e.names()
	if !e.Retrain && fileExists(names.Target()) && fileExists(names.SourceVocab()) && fileExists(names.TargetVocab()) {
		e.Logger.Info("target checkpoint exists, skipping", "path", names.Target())
		return nil
	}

	e.compute(1)
	trainSet, heldout := members.SplitByRatio(d.UserDataRatio)

	src := BuildVocabulary(trainSet.SourceSentences(), d.NumWords)
	trg := BuildVocabulary(trainSet.TargetSentences(), d.NumWords)
	if err := src.Save(names.SourceVocab()); err != nil {
		return err
	}
	if err := trg.Save(names.TargetVocab()); err != nil {
		return err
	}
	e.Logger.Info("target data ready",
		"users", len(members.Users()),
		"train", trainSet.Len(),
		"heldout", heldout.Len(),
		"src_vocab", src.Size(),
		"trg_vocab", trg.Size())

	return e.trainModel(ctx, targetModel, e.Config.Target, trainSet, src, trg, names.Target())
}

// trainModel builds, trains and checkpoints one model.
func (e *Experiment) trainModel(ctx context.Context, name string, tc TrainConfig, data *Dataset, src, trg *Vocabulary, path string) error {
	model, err := NewSeq2Seq(tc.ModelConfig(src.Size(), trg.Size()), rand.New(rand.NewSource(tc.Seed)))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	trainer := &Trainer{
		Name:    name,
		Config:  tc,
		Logger:  e.Logger,
		OnEpoch: e.observeEpoch,
	}
	if _, err := trainer.Train(ctx, model, EncodePairs(data.All(), src, trg), EncodePairs(e.dev, src, trg)); err != nil {
		return err
	}
	if err := model.Save(path); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e.Telemetry.ModelTrained()
	e.Logger.Info("model saved", "model", name, "path", path)
	return nil
}

// TrainShadows trains the shadow models concurrently. Shadow i samples its
// members from the attacker pool with seed Data.Seed+i.
func (e *Experiment) TrainShadows(ctx context.Context) (err error) {
	ctx, end := e.span(ctx, "train_shadows", attribute.Int("shadows", e.Config.Shadow.Count))
	defer end(&err)

	if err := e.loadCorpus(); err != nil {
		return err
	}
	src, trg, err := e.loadVocabularies()
	if err != nil {
		return err
	}

	names := e.names()
	workers := max(e.Config.Compute.Workers, 1)
	e.compute(min(workers, e.Config.Shadow.Count))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < e.Config.Shadow.Count; i++ {
		g.Go(func() error {
			name := shadowModel(i)
			rng := rand.New(rand.NewSource(e.Config.Data.Seed + int64(i)))
			members, nonMembers, err := SampleShadowUsers(e.partition.AttackerPool, e.Config.Data.NumUsers, rng)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := e.Store.PutRoster(ctx, name, members, nonMembers); err != nil {
				return err
			}
			if !e.Retrain && fileExists(names.Shadow(i)) {
				e.Logger.Info("shadow checkpoint exists, skipping", "model", name)
				return nil
			}
			data := NewDataset(e.train.All(), members)
			return e.trainModel(ctx, name, e.Config.ShadowTrain(i), data, src, trg, names.Shadow(i))
		})
	}
	return g.Wait()
}

// ExtractAllRanks ranks every member and non-member sentence of the target
// and of each shadow. Models whose ranks are stored already are skipped
// unless rerun is set.
func (e *Experiment) ExtractAllRanks(ctx context.Context, rerun bool) (err error) {
	ctx, end := e.span(ctx, "extract_ranks", attribute.Bool("rerun", rerun))
	defer end(&err)

	if err := e.loadCorpus(); err != nil {
		return err
	}
	src, trg, err := e.loadVocabularies()
	if err != nil {
		return err
	}

	names := e.names()
	if err := e.extractModel(ctx, targetModel, names.Target(), src, trg, rerun); err != nil {
		return err
	}
	for i := 0; i < e.Config.Shadow.Count; i++ {
		if err := e.extractModel(ctx, shadowModel(i), names.Shadow(i), src, trg, rerun); err != nil {
			return err
		}
	}
	return nil
}

func (e *Experiment) extractModel(ctx context.Context, name, path string, src, trg *Vocabulary, rerun bool) error {
	if !rerun {
		done, err := e.Store.HasRanks(ctx, name)
		if err != nil {
			return err
		}
		if done {
			e.Logger.Info("ranks stored, skipping", "model", name)
			return nil
		}
	}

	members, nonMembers, err := e.Store.GetRoster(ctx, name)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("%s: %w: no roster, train the model first", name, ErrEmptyDataset)
	}
	model, err := LoadSeq2Seq(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	mc := model.Config()
	if mc.SrcVocab != src.Size() || mc.TrgVocab != trg.Size() {
		return fmt.Errorf("%s: %w: model %d/%d, vocab %d/%d",
			name, ErrVocabMismatch, mc.SrcVocab, mc.TrgVocab, src.Size(), trg.Size())
	}

	re := &RankExtractor{
		Model:   model,
		Src:     src,
		Trg:     trg,
		Workers: e.Config.Compute.Workers,
		Decoded: e.Config.Attack.Decoded,
		MaxLen:  e.Config.Data.MaxDecode,
	}
	in, err := re.Extract(ctx, e.train, members, true)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	out, err := re.Extract(ctx, e.train, nonMembers, false)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := e.Store.PutRanks(ctx, name, append(in, out...)); err != nil {
		return err
	}
	e.Logger.Info("ranks stored", "model", name, "members", len(in), "non_members", len(out))
	return nil
}

// RunAttacks runs the named attacks (the configured ones when attacks is
// empty) against the stored ranks and persists the results under RunID.
func (e *Experiment) RunAttacks(ctx context.Context, attacks []string) (results []Result, err error) {
	if len(attacks) == 0 {
		attacks = e.Config.Attack.Attacks
	}
	ctx, end := e.span(ctx, "run_attacks")
	defer end(&err)

	if err := e.Config.Attack.checkAttacks(attacks); err != nil {
		return nil, err
	}

	target, err := e.Store.GetRanks(ctx, targetModel)
	if err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("%w: no target ranks, extract ranks first", ErrEmptyDataset)
	}

	rng := rand.New(rand.NewSource(e.Config.Data.Seed))
	var shadows [][]UserRanks
	for i := 0; i < e.Config.Attack.NumShadows; i++ {
		users, err := e.Store.GetRanks(ctx, shadowModel(i))
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("%w: no ranks for %s", ErrEmptyDataset, shadowModel(i))
		}
		shadows = append(shadows, shuffleUserRanks(users, rng))
	}

	cfgYAML, err := e.Config.YAML()
	if err != nil {
		return nil, err
	}
	if err := e.Store.CreateRun(ctx, e.RunID, cfgYAML); err != nil {
		return nil, err
	}

	feats := e.Config.FeatureOptions()
	feats.Rng = rng
	opts := ShadowAttackOptions{
		Features: feats,
		Transform: RowTransform{
			Normalize: e.Config.Features.Normalize,
			Scale:     e.Config.Features.Scale,
		},
		Classifier: e.Config.Attack.Classifier,
	}

	for _, name := range attacks {
		r, err := e.runAttack(ctx, name, target, shadows, opts)
		if err != nil {
			return results, err
		}
		if err := e.Store.PutResult(ctx, e.RunID, r); err != nil {
			return results, err
		}
		e.Telemetry.ObserveResult(r)
		e.Logger.Info("attack done",
			"attack", r.Name,
			"accuracy", fmt.Sprintf("%.3f", r.Accuracy),
			"auc", fmt.Sprintf("%.3f", r.AUC),
			"precision", fmt.Sprintf("%.3f", r.Precision),
			"recall", fmt.Sprintf("%.3f", r.Recall),
			"test", r.TestSize)
		results = append(results, r)
	}

	if e.Config.Output.ReportHTML != "" {
		if err := e.Metrics.SaveHTML(e.Config.Output.ReportHTML, results); err != nil {
			return results, fmt.Errorf("save report: %w", err)
		}
		e.Logger.Info("report written", "path", e.Config.Output.ReportHTML)
	}
	return results, nil
}

func (e *Experiment) runAttack(ctx context.Context, name string, target []UserRanks, shadows [][]UserRanks, opts ShadowAttackOptions) (r Result, err error) {
	_, end := e.span(ctx, "attack", attribute.String("attack", name))
	defer end(&err)

	switch name {
	case AttackAverageRank:
		return AverageRankAttack(target, e.Config.Attack.Knowledge)
	case AttackShadowRank:
		return ShadowHistogramAttack(shadows, target, opts)
	case AttackShadowProb:
		return ShadowProbabilityAttack(shadows, target, opts)
	case AttackRecordLevel:
		return RecordLevelAttack(shadows, target)
	}
	return Result{}, fmt.Errorf("%w: unknown attack %q", ErrInvalidConfig, name)
}

// Run executes every phase in order.
func (e *Experiment) Run(ctx context.Context) (results []Result, err error) {
	ctx, end := e.span(ctx, "run")
	defer end(&err)

	if err := e.TrainTarget(ctx); err != nil {
		return nil, err
	}
	if err := e.TrainShadows(ctx); err != nil {
		return nil, err
	}
	if err := e.ExtractAllRanks(ctx, e.Retrain); err != nil {
		return nil, err
	}
	return e.RunAttacks(ctx, nil)
}

// AttackFeatures returns the rank-histogram rows of the target's users,
// transformed as the shadow attack would see them, with user ids and
// membership labels.
func (e *Experiment) AttackFeatures(ctx context.Context) (rows [][]float64, users []string, labels []int, err error) {
	target, err := e.Store.GetRanks(ctx, targetModel)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(target) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no target ranks, extract ranks first", ErrEmptyDataset)
	}
	rows = RanksToFeatures(target, e.Config.FeatureOptions())
	transform := RowTransform{Normalize: e.Config.Features.Normalize, Scale: e.Config.Features.Scale}
	if rows, _, err = transform.apply(rows, nil); err != nil {
		return nil, nil, nil, err
	}
	for _, u := range target {
		users = append(users, u.User)
	}
	return rows, users, MembershipLabels(target), nil
}
