// Package config holds the immutable model and training configuration.
//
// A Config is validated once, when a model is constructed. Everything that
// determines tensor shapes (backbone, tokenizer, widths, max sequence length)
// is part of the architecture and must match between Save and Load.
package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"finetune/internal/errs"
)

const (
	BackboneTransformer = "transformer"
	BackboneWindow      = "window"

	TokenizerRunes     = "runes"
	TokenizerWordPiece = "wordpiece"

	TruncateRight = "right"
	TruncateLeft  = "left"

	ScheduleWarmupLinear   = "warmup_linear"
	ScheduleWarmupCosine   = "warmup_cosine"
	ScheduleWarmupConstant = "warmup_constant"
)

// Config is the full set of recognized options.
type Config struct {
	// Architecture.
	Backbone          string   `mapstructure:"backbone" json:"backbone"`
	Tokenizer         string   `mapstructure:"tokenizer" json:"tokenizer"`
	VocabPath         string   `mapstructure:"vocab_path" json:"vocab_path,omitempty"`
	PretrainedPath    string   `mapstructure:"pretrained_path" json:"pretrained_path,omitempty"`
	MaxSequenceLength int      `mapstructure:"max_sequence_length" json:"max_sequence_length"`
	EmbedDim          int      `mapstructure:"embed_dim" json:"embed_dim"`
	NumLayers         int      `mapstructure:"num_layers" json:"num_layers"`
	NumHeads          int      `mapstructure:"num_heads" json:"num_heads"`
	FFNDim            int      `mapstructure:"ffn_dim" json:"ffn_dim"`
	Window            int      `mapstructure:"window" json:"window"`
	Truncation        string   `mapstructure:"truncation" json:"truncation"`
	Labels            []string `mapstructure:"labels" json:"labels,omitempty"`

	// Training.
	BatchSize             int     `mapstructure:"batch_size" json:"batch_size"`
	LearningRate          float64 `mapstructure:"learning_rate" json:"learning_rate"`
	NEpochs               int     `mapstructure:"n_epochs" json:"n_epochs"`
	LMLossWeight          float64 `mapstructure:"lm_loss_weight" json:"lm_loss_weight"`
	DropoutRate           float64 `mapstructure:"dropout_rate" json:"dropout_rate"`
	ClassifierDropout     float64 `mapstructure:"classifier_dropout" json:"classifier_dropout"`
	EarlyStoppingPatience int     `mapstructure:"early_stopping_patience" json:"early_stopping_patience"`
	ValSize               float64 `mapstructure:"val_size" json:"val_size"`
	ValInterval           int     `mapstructure:"val_interval" json:"val_interval"`
	ValWindowSize         int     `mapstructure:"val_window_size" json:"val_window_size"`
	Schedule              string  `mapstructure:"schedule" json:"schedule"`
	WarmupFraction        float64 `mapstructure:"warmup_fraction" json:"warmup_fraction"`
	WeightDecay           float64 `mapstructure:"weight_decay" json:"weight_decay"`
	VectorL2              bool    `mapstructure:"vector_l2" json:"vector_l2"`
	MaxGradNorm           float64 `mapstructure:"max_grad_norm" json:"max_grad_norm"`
	Beta1                 float64 `mapstructure:"beta1" json:"beta1"`
	Beta2                 float64 `mapstructure:"beta2" json:"beta2"`
	Epsilon               float64 `mapstructure:"epsilon" json:"epsilon"`
	RollingAvgDecay       float64 `mapstructure:"rolling_avg_decay" json:"rolling_avg_decay"`
	CheckpointOnImprove   bool    `mapstructure:"checkpoint_on_improve" json:"checkpoint_on_improve"`
	AutosavePath          string  `mapstructure:"autosave_path" json:"autosave_path,omitempty"`
	Seed                  int64   `mapstructure:"seed" json:"seed"`
	Workers               int     `mapstructure:"workers" json:"workers"`
	MaxBatchMemory        string  `mapstructure:"max_batch_memory" json:"max_batch_memory,omitempty"`
}

// Default returns a small GPT-style configuration suitable for CPU finetuning.
func Default() Config {
	return Config{
		Backbone:          BackboneTransformer,
		Tokenizer:         TokenizerRunes,
		MaxSequenceLength: 64,
		EmbedDim:          64,
		NumLayers:         2,
		NumHeads:          4,
		FFNDim:            256,
		Window:            8,
		Truncation:        TruncateRight,

		BatchSize:           8,
		LearningRate:        6.25e-5,
		NEpochs:             3,
		LMLossWeight:        0.5,
		DropoutRate:         0.1,
		ClassifierDropout:   0.1,
		ValSize:             0,
		ValWindowSize:       1,
		Schedule:            ScheduleWarmupLinear,
		WarmupFraction:      0.002,
		WeightDecay:         0.01,
		MaxGradNorm:         1,
		Beta1:               0.9,
		Beta2:               0.999,
		Epsilon:             1e-8,
		RollingAvgDecay:     0.99,
		CheckpointOnImprove: true,
		Seed:                42,
	}
}

// Tiny returns a configuration small enough for tests and demos.
func Tiny() Config {
	c := Default()
	c.MaxSequenceLength = 24
	c.EmbedDim = 16
	c.NumLayers = 1
	c.NumHeads = 2
	c.FFNDim = 32
	c.Window = 4
	c.BatchSize = 2
	c.LearningRate = 1e-3
	c.NEpochs = 1
	c.Workers = 2
	return c
}

// Validate checks every option and reports all problems at once.
func (c Config) Validate() error {
	var problems []error
	bad := func(field, format string, args ...any) {
		problems = append(problems, errs.Invalid(field, format, args...))
	}

	switch c.Backbone {
	case BackboneTransformer:
		if c.NumLayers < 1 {
			bad("num_layers", "must be at least 1, got %d", c.NumLayers)
		}
		if c.NumHeads < 1 {
			bad("num_heads", "must be at least 1, got %d", c.NumHeads)
		} else if c.EmbedDim%c.NumHeads != 0 {
			bad("num_heads", "embed_dim %d is not divisible by %d heads", c.EmbedDim, c.NumHeads)
		}
		if c.FFNDim < 1 {
			bad("ffn_dim", "must be positive, got %d", c.FFNDim)
		}
	case BackboneWindow:
		if c.Window < 1 {
			bad("window", "must be at least 1, got %d", c.Window)
		}
		if c.FFNDim < 1 {
			bad("ffn_dim", "must be positive, got %d", c.FFNDim)
		}
	default:
		bad("backbone", "unknown backbone %q (want %s or %s)", c.Backbone, BackboneTransformer, BackboneWindow)
	}

	switch c.Tokenizer {
	case TokenizerRunes:
	case TokenizerWordPiece:
		if c.VocabPath == "" {
			bad("vocab_path", "required for the %s tokenizer", TokenizerWordPiece)
		}
	default:
		bad("tokenizer", "unknown tokenizer %q (want %s or %s)", c.Tokenizer, TokenizerRunes, TokenizerWordPiece)
	}

	if c.MaxSequenceLength < 3 {
		bad("max_sequence_length", "must leave room for the two marker tokens, got %d", c.MaxSequenceLength)
	}
	if c.EmbedDim < 1 {
		bad("embed_dim", "must be positive, got %d", c.EmbedDim)
	}
	if c.Truncation != TruncateRight && c.Truncation != TruncateLeft {
		bad("truncation", "must be %s or %s, got %q", TruncateRight, TruncateLeft, c.Truncation)
	}
	if len(c.Labels) > 0 {
		seen := make(map[string]bool, len(c.Labels))
		for _, l := range c.Labels {
			if seen[l] {
				bad("labels", "duplicate label %q", l)
			}
			seen[l] = true
		}
	}

	if c.BatchSize < 1 {
		bad("batch_size", "must be positive, got %d", c.BatchSize)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		bad("learning_rate", "must be a positive finite number, got %v", c.LearningRate)
	}
	if c.NEpochs < 1 {
		bad("n_epochs", "must be at least 1, got %d", c.NEpochs)
	}
	if c.LMLossWeight < 0 || c.LMLossWeight >= 1 {
		bad("lm_loss_weight", "must be in [0, 1), got %v", c.LMLossWeight)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		bad("dropout_rate", "must be in [0, 1), got %v", c.DropoutRate)
	}
	if c.ClassifierDropout < 0 || c.ClassifierDropout >= 1 {
		bad("classifier_dropout", "must be in [0, 1), got %v", c.ClassifierDropout)
	}
	if c.EarlyStoppingPatience < 0 {
		bad("early_stopping_patience", "must not be negative, got %d", c.EarlyStoppingPatience)
	}
	if c.ValSize < 0 || c.ValSize >= 1 {
		bad("val_size", "must be in [0, 1), got %v", c.ValSize)
	}
	if c.ValInterval < 0 {
		bad("val_interval", "must not be negative, got %d", c.ValInterval)
	}
	if c.ValWindowSize < 1 {
		bad("val_window_size", "must be at least 1, got %d", c.ValWindowSize)
	}
	if !slices.Contains([]string{ScheduleWarmupLinear, ScheduleWarmupCosine, ScheduleWarmupConstant}, c.Schedule) {
		bad("schedule", "unknown schedule %q", c.Schedule)
	}
	if c.WarmupFraction < 0 || c.WarmupFraction >= 1 {
		bad("warmup_fraction", "must be in [0, 1), got %v", c.WarmupFraction)
	}
	if c.WeightDecay < 0 {
		bad("weight_decay", "must not be negative, got %v", c.WeightDecay)
	}
	if c.MaxGradNorm < 0 {
		bad("max_grad_norm", "must not be negative, got %v", c.MaxGradNorm)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		bad("beta1", "must be in [0, 1), got %v", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		bad("beta2", "must be in [0, 1), got %v", c.Beta2)
	}
	if !(c.Epsilon > 0) {
		bad("epsilon", "must be positive, got %v", c.Epsilon)
	}
	if c.RollingAvgDecay < 0 || c.RollingAvgDecay >= 1 {
		bad("rolling_avg_decay", "must be in [0, 1), got %v", c.RollingAvgDecay)
	}
	if c.Workers < 0 {
		bad("workers", "must not be negative, got %d", c.Workers)
	}
	if _, err := c.BatchMemoryLimit(); err != nil {
		bad("max_batch_memory", "%v", err)
	}

	return errors.Join(problems...)
}

// BatchMemoryLimit parses MaxBatchMemory ("512MB", "2GiB"). Zero means unlimited.
func (c Config) BatchMemoryLimit() (uint64, error) {
	if strings.TrimSpace(c.MaxBatchMemory) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxBatchMemory)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", c.MaxBatchMemory, err)
	}
	return n, nil
}

// Parallelism returns the number of workers used inside a batch.
func (c Config) Parallelism() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.Labels = slices.Clone(c.Labels)
	return c
}

// FromMap overlays options onto Default(). Unknown keys are rejected.
func FromMap(opts map[string]any) (Config, error) {
	return FromMapOver(Default(), opts)
}

// FromMapOver overlays options onto base. Unknown keys are rejected.
func FromMapOver(base Config, opts map[string]any) (Config, error) {
	v := viper.New()
	if err := v.MergeConfigMap(opts); err != nil {
		return Config{}, fmt.Errorf("merge options: %w", err)
	}
	return decode(v, base)
}

// Load reads a YAML/JSON/TOML config file. Values not in the file come from
// Default(); environment variables prefixed FINETUNE_ override both.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("finetune")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range Keys() {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v, Default())
}

// Keys lists every recognized option name.
func Keys() []string {
	t := reflect.TypeFor[Config]()
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		keys = append(keys, t.Field(i).Tag.Get("mapstructure"))
	}
	return keys
}

func decode(v *viper.Viper, base Config) (Config, error) {
	cfg := base.Clone()
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, errs.Invalid("options", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
