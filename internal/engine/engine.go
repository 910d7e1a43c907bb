// Package engine runs finetuning: joint language-model and classification
// training of a model.Model with AdamW, validation, early stopping,
// checkpointing and divergence handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finetune/internal/backbone"
	"finetune/internal/config"
	"finetune/internal/encoding"
	"finetune/internal/errs"
	"finetune/internal/head"
	"finetune/internal/labels"
	"finetune/internal/model"
	"finetune/internal/optim"
	"finetune/internal/params"
)

// Params tune a single fit.
type Params struct {
	// Explicit held-out data. When empty, val_size carves a split from the
	// training data. ValFields holds multi-field examples and is used by
	// FitFields in place of ValTexts.
	ValTexts  []string
	ValFields [][]string
	ValLabels []string
	// RebuildLabels extends an existing label vocabulary with unseen labels
	// instead of failing.
	RebuildLabels bool
	Progress      func(Progress)
}

// Engine trains one model. The lock guards the model weights against
// concurrent readers; it is held for every in-place weight update.
type Engine struct {
	m     *model.Model
	lock  sync.Locker
	log   zerolog.Logger
	score func(*run) (loss, accuracy float64)
}

func New(m *model.Model, lock sync.Locker, log zerolog.Logger) *Engine {
	e := &Engine{m: m, lock: lock, log: log}
	e.score = e.evaluate
	return e
}

// run is the training state of one fit. It is discarded when the fit returns.
type run struct {
	cfg     config.Config
	lmOnly  bool
	lambda  float64
	train   []encoding.TokenSequence
	targets []int
	val     []encoding.TokenSequence
	valY    []int
	params  *params.Set
	grads   []*params.Set // one per worker
	opt     *optim.AdamW
	rng     *rand.Rand
	preFit  *params.Set
	best    *params.Set
	history *History
	window  []float64 // recent validation losses, newest last
	running float64
	steps   int
}

// Fit finetunes the model on labelled texts.
func (e *Engine) Fit(ctx context.Context, texts, labelsIn []string, p Params) (*History, error) {
	h, err := e.fit(ctx, examples{texts: texts}, labelsIn, p, false)
	if err != nil {
		e.log.Error().Err(err).Int("epochs_completed", h.Len()).Msg("fit failed")
	}
	return h, err
}

// FitFields finetunes the model on labelled multi-field examples. Each row
// holds the fields of one example; rows may differ in field count.
func (e *Engine) FitFields(ctx context.Context, rows [][]string, labelsIn []string, p Params) (*History, error) {
	h, err := e.fit(ctx, examples{rows: rows}, labelsIn, p, false)
	if err != nil {
		e.log.Error().Err(err).Int("epochs_completed", h.Len()).Msg("multi-field fit failed")
	}
	return h, err
}

// FitLM finetunes the backbone on unlabelled texts with the language-model
// objective only.
func (e *Engine) FitLM(ctx context.Context, texts []string, p Params) (*History, error) {
	h, err := e.fit(ctx, examples{texts: texts}, nil, p, true)
	if err != nil {
		e.log.Error().Err(err).Int("epochs_completed", h.Len()).Msg("language-model fit failed")
	}
	return h, err
}

func (e *Engine) fit(ctx context.Context, in examples, labelsIn []string, p Params, lmOnly bool) (*History, error) {
	r, vocab, err := e.prepare(in, labelsIn, p, lmOnly)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	if vocab != nil && vocab != e.m.Labels() {
		e.m.SetLabels(vocab)
	}
	e.m.SetDataHash(in.keys())
	e.lock.Unlock()

	e.start(r)
	return e.loop(ctx, r, p.Progress)
}

// prepare validates and encodes everything before the model is touched, so
// a rejected fit leaves the model unchanged.
func (e *Engine) prepare(in examples, labelsIn []string, p Params, lmOnly bool) (*run, *labels.Vocabulary, error) {
	cfg := e.m.Config()
	val := examples{texts: p.ValTexts}
	if in.rows != nil {
		val = examples{rows: p.ValFields}
	}
	if (in.rows != nil && len(p.ValTexts) > 0) || (in.rows == nil && len(p.ValFields) > 0) {
		return nil, nil, errs.Invalid("validation", "held-out examples must have the same shape as the training examples")
	}
	if in.len() == 0 {
		return nil, nil, errs.Invalid("texts", "at least one training example is required")
	}
	if !lmOnly && in.len() != len(labelsIn) {
		return nil, nil, errs.Invalid("labels", "got %d labels for %d texts", len(labelsIn), in.len())
	}
	if val.len() > 0 && !lmOnly && val.len() != len(p.ValLabels) {
		return nil, nil, errs.Invalid("validation labels", "got %d labels for %d texts", len(p.ValLabels), val.len())
	}

	r := &run{cfg: cfg, lmOnly: lmOnly, lambda: cfg.LMLossWeight, rng: rand.New(rand.NewSource(cfg.Seed)), history: &History{BestEpoch: -1}}
	if lmOnly {
		r.lambda = 1
	}

	var vocab *labels.Vocabulary
	if !lmOnly {
		var err error
		if vocab, err = e.vocabulary(labelsIn, p.RebuildLabels); err != nil {
			return nil, nil, err
		}
	}

	enc := e.m.Encoder()
	seqs, err := in.encode(enc, "fit")
	if err != nil {
		return nil, nil, err
	}
	var targets []int
	if vocab != nil {
		if targets, err = vocab.Encode(labelsIn); err != nil {
			return nil, nil, err
		}
	}

	if val.len() > 0 {
		if r.val, err = val.encode(enc, "validation"); err != nil {
			return nil, nil, err
		}
		if vocab != nil {
			if r.valY, err = vocab.Encode(p.ValLabels); err != nil {
				return nil, nil, err
			}
		}
		r.train, r.targets = seqs, targets
	} else {
		r.split(seqs, targets)
	}

	if err := e.checkMemory(cfg, vocab); err != nil {
		return nil, nil, err
	}
	return r, vocab, nil
}

// examples is the training input of one fit: plain texts, or rows of
// fields for multi-field classification.
type examples struct {
	texts []string
	rows  [][]string
}

func (x examples) len() int {
	if x.rows != nil {
		return len(x.rows)
	}
	return len(x.texts)
}

func (x examples) encode(enc *encoding.Encoder, phase string) ([]encoding.TokenSequence, error) {
	if x.rows != nil {
		return enc.EncodeFieldsAll(phase, x.rows)
	}
	return enc.EncodeAll(phase, x.texts)
}

// keys flattens each example to one string for the data fingerprint.
func (x examples) keys() []string {
	if x.rows == nil {
		return x.texts
	}
	out := make([]string, len(x.rows))
	for i, row := range x.rows {
		out[i] = strings.Join(row, "\x1f")
	}
	return out
}

// vocabulary decides which label vocabulary the fit trains against.
func (e *Engine) vocabulary(labelsIn []string, rebuild bool) (*labels.Vocabulary, error) {
	cur := e.m.Labels()
	if cur.Len() == 0 {
		return labels.New(labelsIn), nil
	}
	unknown := cur.Unknown(labelsIn)
	if len(unknown) == 0 {
		return cur, nil
	}
	if !rebuild {
		return nil, &errs.LabelMismatchError{Known: cur.Labels(), Unknown: unknown}
	}
	return cur.Extend(labelsIn), nil
}

// split carves a validation set of floor(n*val_size) examples from a seeded
// permutation, always leaving at least one training example.
func (r *run) split(seqs []encoding.TokenSequence, targets []int) {
	n := len(seqs)
	nVal := min(int(math.Floor(float64(n)*r.cfg.ValSize)), n-1)
	if nVal <= 0 {
		r.train, r.targets = seqs, targets
		return
	}
	perm := rand.New(rand.NewSource(r.cfg.Seed)).Perm(n)
	for k, i := range perm {
		if k < nVal {
			r.val = append(r.val, seqs[i])
			if targets != nil {
				r.valY = append(r.valY, targets[i])
			}
			continue
		}
		r.train = append(r.train, seqs[i])
		if targets != nil {
			r.targets = append(r.targets, targets[i])
		}
	}
}

func (e *Engine) checkMemory(cfg config.Config, vocab *labels.Vocabulary) error {
	limit, err := cfg.BatchMemoryLimit()
	if err != nil || limit == 0 {
		return err
	}
	count := e.m.Backbone().Params().Count()
	if vocab != nil {
		count += cfg.EmbedDim * (vocab.Len() + 1)
	}
	need := backbone.EstimateBytes(e.m.Backbone().Spec(), count, cfg.BatchSize, min(cfg.Parallelism(), cfg.BatchSize))
	if need > limit {
		return &errs.OutOfMemoryError{BatchSize: cfg.BatchSize, Required: need, Limit: limit}
	}
	return nil
}

func (e *Engine) start(r *run) {
	r.params = e.m.Params()
	if r.lmOnly {
		r.params = e.m.Backbone().Params()
	}
	workers := max(1, min(r.cfg.Parallelism(), r.cfg.BatchSize))
	r.grads = make([]*params.Set, workers)
	for w := range r.grads {
		r.grads[w] = r.params.ZerosLike()
	}
	batches := (len(r.train) + r.cfg.BatchSize - 1) / r.cfg.BatchSize
	r.steps = batches * r.cfg.NEpochs
	r.opt = optim.New(optim.FromConfig(r.cfg, r.steps), r.params)
	r.preFit = e.snapshot(r)
	r.running = math.NaN()

	e.log.Info().
		Int("train", len(r.train)).
		Int("validation", len(r.val)).
		Int("epochs", r.cfg.NEpochs).
		Int("steps", r.steps).
		Int("params", r.params.Count()).
		Float64("lm_loss_weight", r.lambda).
		Msg("starting fit")
}

func (e *Engine) loop(ctx context.Context, r *run, progress func(Progress)) (*History, error) {
	h := r.history
	watch := newMonitor(r.cfg.EarlyStoppingPatience)

	for epoch := range r.cfg.NEpochs {
		began := time.Now()
		order := r.rng.Perm(len(r.train))
		batches := (len(order) + r.cfg.BatchSize - 1) / r.cfg.BatchSize
		var sum, lmSum, clfSum float64

		for b := range batches {
			if err := ctx.Err(); err != nil {
				return h, fmt.Errorf("fit interrupted at epoch %d batch %d: %w", epoch, b, err)
			}
			idx := order[b*r.cfg.BatchSize : min((b+1)*r.cfg.BatchSize, len(order))]
			res := e.batch(r, idx)

			if !finite(res.loss) || !finite(res.norm) {
				return h, e.diverged(r, epoch, b, res.loss)
			}
			optim.ClipGlobalNorm(res.grads, r.cfg.MaxGradNorm)
			e.lock.Lock()
			lr := r.opt.Step(r.params, res.grads)
			e.lock.Unlock()
			if !r.params.AllFinite() {
				return h, e.diverged(r, epoch, b, res.loss)
			}
			if b == batches-1 {
				if loss, ok := e.settled(r, idx[0]); !ok {
					return h, e.diverged(r, epoch, b, loss)
				}
			} else if r.cfg.ValInterval > 0 && len(r.val) > 0 && r.opt.Steps()%r.cfg.ValInterval == 0 {
				loss, _ := e.score(r)
				r.observe(loss)
				e.log.Debug().Int("step", r.opt.Steps()).Float64("val_loss", loss).Msg("interval validation")
			}

			sum += res.loss
			lmSum += res.lm
			clfSum += res.clf
			if math.IsNaN(r.running) {
				r.running = res.loss
			} else {
				r.running = r.cfg.RollingAvgDecay*r.running + (1-r.cfg.RollingAvgDecay)*res.loss
			}

			e.log.Debug().Int("epoch", epoch).Int("batch", b).Float64("loss", res.loss).Float64("lr", lr).Msg("batch")
			if progress != nil {
				progress(Progress{Epoch: epoch, Epochs: r.cfg.NEpochs, Batch: b, Batches: batches, Step: r.opt.Steps(),
					Loss: res.loss, RunningLoss: r.running, LR: lr})
			}
		}

		m := EpochMetrics{
			Epoch:        epoch,
			TrainLoss:    sum / float64(batches),
			LMLoss:       lmSum / float64(batches),
			ClfLoss:      clfSum / float64(batches),
			RunningLoss:  r.running,
			LearningRate: r.opt.NextLR(),
			Steps:        r.opt.Steps(),
			Monitored:    sum / float64(batches),
		}
		if len(r.val) > 0 {
			loss, acc := e.score(r)
			m.ValLoss = &loss
			if !r.lmOnly {
				m.ValAccuracy = &acc
			}
			m.Monitored = r.observe(loss)
		}
		m.Duration = time.Since(began)

		m.Improved = watch.observe(m.Monitored)
		h.Epochs = append(h.Epochs, m)
		if m.Improved {
			h.BestEpoch = epoch
			if err := e.checkpoint(r); err != nil {
				return h, err
			}
		}

		ev := e.log.Info().Int("epoch", epoch).Float64("train_loss", m.TrainLoss).
			Float64("running_loss", m.RunningLoss).Dur("took", m.Duration)
		if m.ValLoss != nil {
			ev = ev.Float64("val_loss", *m.ValLoss)
		}
		if m.ValAccuracy != nil {
			ev = ev.Float64("val_accuracy", *m.ValAccuracy)
		}
		ev.Bool("improved", m.Improved).Msg("epoch complete")

		if progress != nil {
			progress(Progress{Epoch: epoch, Epochs: r.cfg.NEpochs, Batch: batches - 1, Batches: batches, Step: r.opt.Steps(),
				Loss: m.TrainLoss, RunningLoss: r.running, LR: m.LearningRate, EpochDone: true, Metrics: &m})
		}

		if watch.exhausted() && epoch < r.cfg.NEpochs-1 {
			h.StoppedEarly = true
			e.log.Info().Int("epoch", epoch).Int("best_epoch", h.BestEpoch).Msg("early stopping")
			break
		}
	}

	if r.best != nil && h.BestEpoch != len(h.Epochs)-1 {
		if err := e.restore(r.best); err != nil {
			return h, err
		}
		h.RestoredBest = true
		e.log.Info().Int("best_epoch", h.BestEpoch).Msg("restored best weights")
	}
	return h, nil
}

// checkpoint keeps an in-memory copy of improved weights and, when
// configured, writes them to the autosave path.
func (e *Engine) checkpoint(r *run) error {
	if !r.cfg.CheckpointOnImprove {
		return nil
	}
	r.best = e.snapshot(r)
	if r.cfg.AutosavePath == "" {
		return nil
	}
	if err := e.m.Save(r.cfg.AutosavePath); err != nil {
		return fmt.Errorf("autosave: %w", err)
	}
	e.log.Debug().Str("path", r.cfg.AutosavePath).Msg("autosaved improved model")
	return nil
}

func (e *Engine) diverged(r *run, epoch, b int, loss float64) error {
	err := &errs.DivergenceError{Epoch: epoch, Batch: b, Loss: loss, Restored: "pre-fit"}
	snap := r.preFit
	if r.best != nil {
		snap, err.Restored = r.best, "best"
	}
	if rerr := e.restore(snap); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (e *Engine) snapshot(r *run) *params.Set {
	if r.lmOnly {
		return r.params.Clone()
	}
	return e.m.Snapshot()
}

func (e *Engine) restore(snap *params.Set) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if snap.Len() != e.m.Params().Len() {
		return e.m.Backbone().Params().CopyFrom(snap)
	}
	return e.m.Restore(snap)
}

// settled runs one training example through the updated weights with
// dropout off. Finite weights can still overflow their activations.
func (e *Engine) settled(r *run, i int) (float64, bool) {
	bb := e.m.Backbone()
	seq := r.train[i]
	tr := bb.Forward(seq.Tokens(), false, nil)
	if !allFinite(tr.Hidden.RawMatrix().Data) {
		return math.NaN(), false
	}
	if r.lmOnly {
		loss := backbone.LMLoss(bb, tr, 0, nil, nil)
		return loss, finite(loss)
	}
	logits := e.m.Head().Logits(tr.Hidden.RawRowView(seq.EndIndex()))
	if !allFinite(logits) {
		return math.NaN(), false
	}
	probs := head.Probabilities(logits)
	return -math.Log(max(probs[r.targets[i]], minProb)), true
}

// observe adds a validation loss to the window and returns the window mean.
func (r *run) observe(loss float64) float64 {
	size := max(1, r.cfg.ValWindowSize)
	r.window = append(r.window, loss)
	if len(r.window) > size {
		r.window = r.window[len(r.window)-size:]
	}
	var sum float64
	for _, v := range r.window {
		sum += v
	}
	return sum / float64(len(r.window))
}

// monitor tracks the best value of the monitored metric and the number of
// epochs since it last improved.
type monitor struct {
	best     float64
	since    int
	patience int
}

func newMonitor(patience int) *monitor {
	return &monitor{best: math.Inf(1), patience: patience}
}

// observe records an epoch's metric and reports whether it improved on
// every earlier epoch. A non-finite metric never improves.
func (m *monitor) observe(v float64) bool {
	if finite(v) && v < m.best {
		m.best, m.since = v, 0
		return true
	}
	m.since++
	return false
}

// exhausted reports whether patience ran out. Zero patience never stops.
func (m *monitor) exhausted() bool {
	return m.patience > 0 && m.since >= m.patience
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if !finite(v) {
			return false
		}
	}
	return true
}
