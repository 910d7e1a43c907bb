// Package finetune adapts a pretrained generative language model to a
// sequence classification task.
//
// A Model pairs a language-model backbone with a small classification head.
// Fit trains both jointly on the classification loss and an auxiliary
// next-token loss; Predict returns one label→probability map per input;
// Save and Load move the complete model (config, weights, labels and
// tokenizer vocabulary) through a single bundle file.
//
//	m, err := finetune.New(finetune.DefaultConfig())
//	hist, err := m.Fit(ctx, texts, labels)
//	probs, err := m.Predict([]string{"great movie"})
//	err = m.Save("sentiment.ftm")
package finetune

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"finetune/internal/config"
	"finetune/internal/engine"
	"finetune/internal/model"
)

// Config holds every model and training option. Build one with
// DefaultConfig, TinyConfig, LoadConfig or ConfigFromMap.
type Config = config.Config

type (
	History         = engine.History
	EpochMetrics    = engine.EpochMetrics
	Progress        = engine.Progress
	GenerateOptions = model.GenerateOptions
)

func DefaultConfig() Config { return config.Default() }

// TinyConfig is a small architecture for tests and demos.
func TinyConfig() Config { return config.Tiny() }

// LoadConfig reads a YAML, JSON or TOML config file. FINETUNE_* environment
// variables override file values.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// ConfigFromMap applies options over the defaults. Unknown keys are rejected.
func ConfigFromMap(opts map[string]any) (Config, error) { return config.FromMap(opts) }

func DefaultGenerateOptions() GenerateOptions { return model.DefaultGenerateOptions() }

// Model is safe for concurrent use. Predictions and saves may run while a
// fit is in progress; they observe the weights between optimizer steps.
// Only one fit may run at a time.
type Model struct {
	mu       sync.RWMutex
	training atomic.Bool
	m        *model.Model
	log      zerolog.Logger
}

// Option configures a Model at construction.
type Option func(*Model)

// WithLogger routes training logs to log. The default discards them.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Model) { m.log = log }
}

// New builds a model from cfg, loading pretrained backbone weights when
// cfg.PretrainedPath is set.
func New(cfg Config, opts ...Option) (*Model, error) {
	inner, err := model.New(cfg)
	if err != nil {
		return nil, err
	}
	return wrap(inner, opts), nil
}

// NewFromOptions is New over ConfigFromMap(opts).
func NewFromOptions(opts map[string]any, options ...Option) (*Model, error) {
	cfg, err := config.FromMap(opts)
	if err != nil {
		return nil, err
	}
	return New(cfg, options...)
}

// Load restores a model written by Save.
func Load(path string, opts ...Option) (*Model, error) {
	inner, err := model.Load(path)
	if err != nil {
		return nil, err
	}
	return wrap(inner, opts), nil
}

func wrap(inner *model.Model, opts []Option) *Model {
	m := &Model{m: inner, log: zerolog.Nop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Save writes the model atomically: a reader of path sees either the
// previous file or the complete new one.
func (m *Model) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m.Save(path)
}

// Config returns a copy of the model's configuration.
func (m *Model) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m.Config()
}

// Labels returns the label vocabulary in index order, or nil before the
// model has one.
func (m *Model) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m.Labels().Labels()
}

// Signature identifies the backbone architecture.
func (m *Model) Signature() string {
	return m.m.Signature()
}

// DataHash fingerprints the texts of the most recent fit, or is empty for a
// model that was never fitted.
func (m *Model) DataHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m.DataHash()
}
