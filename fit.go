package finetune

import (
	"context"

	"finetune/internal/engine"
	"finetune/internal/errs"
)

// FitOption tunes a single Fit or FitLM call.
type FitOption func(*engine.Params)

// WithValidation evaluates on an explicit held-out set after every epoch
// instead of splitting val_size off the training data.
func WithValidation(texts, labels []string) FitOption {
	return func(p *engine.Params) {
		p.ValTexts, p.ValLabels = texts, labels
	}
}

// WithValidationFields is WithValidation for FitFields.
func WithValidationFields(rows [][]string, labels []string) FitOption {
	return func(p *engine.Params) {
		p.ValFields, p.ValLabels = rows, labels
	}
}

// WithRebuildLabels lets a fit on an already-labelled model add labels it
// has not seen. Existing labels keep their indices.
func WithRebuildLabels() FitOption {
	return func(p *engine.Params) { p.RebuildLabels = true }
}

// WithProgress calls fn after every batch and every epoch, on the fitting
// goroutine.
func WithProgress(fn func(Progress)) FitOption {
	return func(p *engine.Params) { p.Progress = fn }
}

// Fit finetunes the backbone and head on labelled texts. It blocks until
// training ends, ctx is cancelled (checked between batches) or an error
// occurs, and returns the history of completed epochs in every case.
func (m *Model) Fit(ctx context.Context, texts, labels []string, opts ...FitOption) (*History, error) {
	e, p, release, err := m.begin(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.Fit(ctx, texts, labels, p)
}

// FitFields is Fit for examples made of several text fields, such as a
// question and its answer. Fields are joined with the end marker and share
// the sequence length; predict with PredictFields.
func (m *Model) FitFields(ctx context.Context, rows [][]string, labels []string, opts ...FitOption) (*History, error) {
	e, p, release, err := m.begin(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.FitFields(ctx, rows, labels, p)
}

// FitLM finetunes the backbone with the language-model objective alone.
// Save the result and name it as PretrainedPath to start classifiers from a
// domain-adapted backbone.
func (m *Model) FitLM(ctx context.Context, texts []string, opts ...FitOption) (*History, error) {
	e, p, release, err := m.begin(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.FitLM(ctx, texts, p)
}

func (m *Model) begin(opts []FitOption) (*engine.Engine, engine.Params, func(), error) {
	var p engine.Params
	if !m.training.CompareAndSwap(false, true) {
		return nil, p, nil, &errs.ConcurrentTrainingError{}
	}
	for _, o := range opts {
		o(&p)
	}
	return engine.New(m.m, &m.mu, m.log), p, func() { m.training.Store(false) }, nil
}
