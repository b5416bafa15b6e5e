package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration value out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full experiment configuration, loaded from YAML.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Target   TrainConfig    `yaml:"target"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Features FeatureConfig  `yaml:"features"`
	Attack   AttackConfig   `yaml:"attack"`
	Output   OutputConfig   `yaml:"output"`
	Compute  ComputeSection `yaml:"compute"`
}

// DataConfig locates the corpus and sizes the user partition.
type DataConfig struct {
	Dir           string  `yaml:"dir"`
	SrcLang       string  `yaml:"src_lang"`
	TrgLang       string  `yaml:"trg_lang"`
	NumUsers      int     `yaml:"num_users"`
	NumWords      int     `yaml:"num_words"`
	UserDataRatio float64 `yaml:"user_data_ratio"`
	// LeaveOut is the index (in sorted member order) of a member to drop
	// from training, or -1.
	LeaveOut  int   `yaml:"leave_out"`
	Seed      int64 `yaml:"seed"`
	Ablation  bool  `yaml:"ablation"`
	MaxDecode int   `yaml:"max_decode"`
}

// ShadowConfig describes the shadow model fleet.
type ShadowConfig struct {
	Count int `yaml:"count"`
	// Base overrides the per-shadow preset when Epochs is non-zero; its
	// dims are replaced by Dims[i] (or the preset schedule).
	Base TrainConfig `yaml:"base"`
	Dims []int       `yaml:"dims"`
}

// FeatureConfig maps to FeatureOptions.
type FeatureConfig struct {
	Bins         int     `yaml:"bins"`
	TopWords     int     `yaml:"top_words"`
	Prop         float64 `yaml:"prop"`
	Shuffle      bool    `yaml:"shuffle"`
	Relative     bool    `yaml:"relative"`
	Rare         bool    `yaml:"rare"`
	HeldoutRatio float64 `yaml:"heldout_ratio"`
	Normalize    bool    `yaml:"normalize"`
	Scale        bool    `yaml:"scale"`
}

// AttackConfig selects attacks and the attack classifier.
type AttackConfig struct {
	Attacks    []string `yaml:"attacks"`
	Knowledge  float64  `yaml:"knowledge"`
	NumShadows int      `yaml:"num_shadows"` // shadows used by the attacks
	Classifier string   `yaml:"classifier"`
	Decoded    bool     `yaml:"decoded"` // rank against greedy decoding instead of teacher forcing
}

// OutputConfig locates artifacts.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	DB          string `yaml:"db"`
	MetricsFile string `yaml:"metrics_file"`
	TraceFile   string `yaml:"trace_file"`
	ReportHTML  string `yaml:"report_html"`
}

// ComputeSection bounds parallelism.
type ComputeSection struct {
	Workers int `yaml:"workers"`
}

// DefaultConfig reproduces the reference experiment.
func DefaultConfig() Config {
	return Config{
		Data: DataConfig{
			Dir:      "data/sated-release-0.9.0/en-fr",
			SrcLang:  "en",
			TrgLang:  "fr",
			NumUsers: 300,
			NumWords: 5000,
			LeaveOut: -1,
			Seed:     12345,
		},
		Target: TargetTrainConfig(),
		Shadow: ShadowConfig{Count: 10},
		Features: FeatureConfig{
			Bins:      100,
			TopWords:  5000,
			Prop:      1.0,
			Normalize: true,
			Scale:     true,
		},
		Attack: AttackConfig{
			Attacks:    slices.Clone(AllAttacks),
			Knowledge:  0.1,
			NumShadows: 4,
			Classifier: "svm",
		},
		Output: OutputConfig{
			Dir: "checkpoints/sated",
			DB:  "nmtaudit.db",
		},
		Compute: ComputeSection{Workers: DefaultComputeConfig().Workers()},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks every section.
func (c Config) Validate() error {
	switch {
	case c.Data.Dir == "":
		return fmt.Errorf("%w: data.dir is required", ErrInvalidConfig)
	case c.Data.SrcLang == "" || c.Data.TrgLang == "":
		return fmt.Errorf("%w: data languages are required", ErrInvalidConfig)
	case c.Data.NumUsers <= 0:
		return fmt.Errorf("%w: data.num_users must be positive", ErrInvalidConfig)
	case c.Data.NumWords <= 0:
		return fmt.Errorf("%w: data.num_words must be positive", ErrInvalidConfig)
	case c.Data.UserDataRatio < 0 || c.Data.UserDataRatio >= 1:
		return fmt.Errorf("%w: data.user_data_ratio must be in [0, 1)", ErrInvalidConfig)
	case c.Shadow.Count < 0:
		return fmt.Errorf("%w: shadow.count must not be negative", ErrInvalidConfig)
	case c.Features.Bins <= 0:
		return fmt.Errorf("%w: features.bins must be positive", ErrInvalidConfig)
	case c.Features.Prop <= 0 || c.Features.Prop > 1:
		return fmt.Errorf("%w: features.prop must be in (0, 1]", ErrInvalidConfig)
	case c.Features.HeldoutRatio < 0 || c.Features.HeldoutRatio > 1:
		return fmt.Errorf("%w: features.heldout_ratio must be in [0, 1]", ErrInvalidConfig)
	case c.Attack.Knowledge <= 0 || c.Attack.Knowledge >= 1:
		return fmt.Errorf("%w: attack.knowledge must be in (0, 1)", ErrInvalidConfig)
	case c.Attack.NumShadows < 0:
		return fmt.Errorf("%w: attack.num_shadows must not be negative", ErrInvalidConfig)
	case c.Attack.NumShadows > c.Shadow.Count:
		return fmt.Errorf("%w: attack.num_shadows (%d) exceeds shadow.count (%d)",
			ErrInvalidConfig, c.Attack.NumShadows, c.Shadow.Count)
	case c.Output.Dir == "":
		return fmt.Errorf("%w: output.dir is required", ErrInvalidConfig)
	}
	if err := c.Attack.checkAttacks(c.Attack.Attacks); err != nil {
		return err
	}
	if _, err := NewClassifier(c.Attack.Classifier); err != nil {
		return err
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	for i := 0; i < c.Shadow.Count; i++ {
		if err := c.ShadowTrain(i).Validate(); err != nil {
			return fmt.Errorf("shadow %d: %w", i, err)
		}
	}
	return nil
}

// checkAttacks rejects unknown attacks and shadow-based attacks when no
// shadow model is used.
func (a AttackConfig) checkAttacks(attacks []string) error {
	for _, name := range attacks {
		if !slices.Contains(AllAttacks, name) {
			return fmt.Errorf("%w: unknown attack %q", ErrInvalidConfig, name)
		}
		if name != AttackAverageRank && a.NumShadows == 0 {
			return fmt.Errorf("%w: attack %q needs attack.num_shadows > 0", ErrInvalidConfig, name)
		}
	}
	return nil
}

// ShadowTrain returns the training config of shadow i.
func (c Config) ShadowTrain(i int) TrainConfig {
	tc := ShadowTrainConfig(i)
	if c.Shadow.Base.Epochs > 0 {
		dim := tc.HiddenDim
		tc = c.Shadow.Base
		tc.EmbedDim, tc.HiddenDim = dim, dim
		tc.Seed = c.Shadow.Base.Seed + int64(i)
	}
	if i < len(c.Shadow.Dims) {
		tc.EmbedDim, tc.HiddenDim = c.Shadow.Dims[i], c.Shadow.Dims[i]
	}
	return tc
}

// FeatureOptions converts the features section for the attacks.
func (c Config) FeatureOptions() FeatureOptions {
	return FeatureOptions{
		Bins:          c.Features.Bins,
		TopWords:      c.Features.TopWords,
		NumWords:      c.Data.NumWords,
		Prop:          c.Features.Prop,
		Shuffle:       c.Features.Shuffle,
		Rare:          c.Features.Rare,
		Relative:      c.Features.Relative,
		UserDataRatio: c.Data.UserDataRatio,
		HeldoutRatio:  c.Features.HeldoutRatio,
	}
}

// Checkpoints returns the naming scheme for this configuration.
func (c Config) Checkpoints() CheckpointNames {
	return CheckpointNames{
		Dir:           c.Output.Dir,
		NumUsers:      c.Data.NumUsers,
		Ablation:      c.Data.Ablation,
		UserDataRatio: c.Data.UserDataRatio,
	}
}

// DBPath returns the artifact store path; relative paths live under
// Output.Dir.
func (c Config) DBPath() string {
	if filepath.IsAbs(c.Output.DB) {
		return c.Output.DB
	}
	return filepath.Join(c.Output.Dir, c.Output.DB)
}

// YAML renders the configuration, used as the run snapshot.
func (c Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
