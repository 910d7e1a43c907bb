// Package model is the container that owns everything a finetuned model
// needs at inference time: config, encoder, backbone, head and label
// vocabulary.
//
// A Model is not safe for concurrent mutation. The public facade serializes
// writers (fit, optimizer steps) against readers (predict, save).
package model

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"finetune/internal/backbone"
	"finetune/internal/bundle"
	"finetune/internal/config"
	"finetune/internal/encoding"
	"finetune/internal/errs"
	"finetune/internal/head"
	"finetune/internal/labels"
	"finetune/internal/params"
)

type Model struct {
	cfg      config.Config
	enc      *encoding.Encoder
	bb       backbone.Backbone
	head     *head.Head
	labels   *labels.Vocabulary
	rng      *rand.Rand
	dataHash string
}

// New builds a model from a config: random backbone weights, replaced by
// the pretrained checkpoint when PretrainedPath is set, and a head when the
// config names its labels up front.
func New(cfg config.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tok, err := encoding.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tokenizer: %w", err)
	}
	m, err := build(cfg, tok)
	if err != nil {
		return nil, err
	}
	if cfg.PretrainedPath != "" {
		if err := m.loadPretrained(cfg.PretrainedPath); err != nil {
			return nil, err
		}
	}
	if len(cfg.Labels) > 0 {
		m.SetLabels(labels.New(cfg.Labels))
	}
	return m, nil
}

func build(cfg config.Config, tok encoding.Tokenizer) (*Model, error) {
	cfg = cfg.Clone()
	enc, err := encoding.NewEncoder(tok, cfg.MaxSequenceLength, cfg.Truncation)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	bb, err := backbone.New(backbone.SpecFor(cfg, tok), rng)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, enc: enc, bb: bb, rng: rng}, nil
}

func (m *Model) loadPretrained(path string) error {
	b, err := bundle.Read(path)
	if err != nil {
		return fmt.Errorf("load pretrained weights: %w", err)
	}
	if want := m.Signature(); b.Manifest.ArchSignature != want {
		return &errs.IncompatibleVersionError{
			Path:  path,
			Field: "arch_signature",
			Got:   b.Manifest.ArchSignature,
			Want:  want,
		}
	}
	if err := backbone.Transfer(m.bb, b.Weights); err != nil {
		return fmt.Errorf("load pretrained weights from %s: %w", path, err)
	}
	return nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() config.Config { return m.cfg.Clone() }

func (m *Model) Encoder() *encoding.Encoder { return m.enc }

func (m *Model) Backbone() backbone.Backbone { return m.bb }

// Head is nil until the model has a label vocabulary.
func (m *Model) Head() *head.Head { return m.head }

func (m *Model) Labels() *labels.Vocabulary { return m.labels }

// Signature identifies the backbone architecture.
func (m *Model) Signature() string { return backbone.Signature(m.bb.Spec()) }

// Params merges backbone and head tensors. The result shares storage with
// the model but must be rebuilt after SetLabels.
func (m *Model) Params() *params.Set {
	if m.head == nil {
		return params.Merge(m.bb.Params())
	}
	return params.Merge(m.bb.Params(), m.head.Params())
}

// SetLabels installs a label vocabulary, creating the head or growing it to
// the new number of classes. Existing classes keep their weights.
func (m *Model) SetLabels(v *labels.Vocabulary) {
	m.labels = v
	if m.head == nil {
		m.head = head.New(m.cfg.EmbedDim, v.Len(), m.rng)
		return
	}
	m.head.Expand(v.Len(), m.rng)
}

// Snapshot deep-copies every weight.
func (m *Model) Snapshot() *params.Set { return m.Params().Clone() }

// Restore overwrites the weights with a snapshot taken from this model.
func (m *Model) Restore(s *params.Set) error { return m.Params().CopyFrom(s) }

// SetDataHash records a fingerprint of the texts the model was last fit on.
func (m *Model) SetDataHash(texts []string) {
	m.dataHash = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(texts, "\n"))))[:16]
}

func (m *Model) DataHash() string { return m.dataHash }

// Save writes the model bundle atomically.
func (m *Model) Save(path string) error {
	tok := m.enc.Tokenizer()
	b := &bundle.Bundle{
		Manifest: bundle.Manifest{
			ArchSignature: m.Signature(),
			Config:        m.cfg,
			Labels:        m.labels.Labels(),
			Tokenizer:     bundle.TokenizerInfo{Name: tok.Name(), VocabSize: tok.VocabSize()},
			DataHash:      m.dataHash,
		},
		Weights: m.Params(),
	}
	if vf, ok := tok.(encoding.VocabFile); ok {
		b.Vocab = vf.VocabBytes()
	}
	if err := bundle.Write(path, b); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// Load restores a model saved with Save. Nothing is returned unless every
// check passes.
func Load(path string) (*Model, error) {
	b, err := bundle.Read(path)
	if err != nil {
		return nil, err
	}
	cfg := b.Manifest.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}

	var tok encoding.Tokenizer
	switch {
	case b.Vocab != nil:
		tok, err = encoding.NewWordPiece(b.Vocab)
	case cfg.Tokenizer == config.TokenizerRunes:
		tok = encoding.NewRunes()
	default:
		err = errors.New("tokenizer vocabulary is not embedded")
	}
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	if tok.Name() != b.Manifest.Tokenizer.Name || tok.VocabSize() != b.Manifest.Tokenizer.VocabSize {
		return nil, &errs.IncompatibleVersionError{
			Path:  path,
			Field: "tokenizer",
			Got:   fmt.Sprintf("%s/%d", b.Manifest.Tokenizer.Name, b.Manifest.Tokenizer.VocabSize),
			Want:  fmt.Sprintf("%s/%d", tok.Name(), tok.VocabSize()),
		}
	}

	m, err := build(cfg, tok)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	if want := m.Signature(); b.Manifest.ArchSignature != want {
		return nil, &errs.IncompatibleVersionError{Path: path, Field: "arch_signature", Got: b.Manifest.ArchSignature, Want: want}
	}
	if len(b.Manifest.Labels) > 0 {
		m.SetLabels(labels.FromOrdered(b.Manifest.Labels))
	}

	dst := m.Params()
	if dst.Len() != b.Weights.Len() {
		return nil, &errs.IncompatibleVersionError{
			Path:  path,
			Field: "tensor count",
			Got:   fmt.Sprint(b.Weights.Len()),
			Want:  fmt.Sprint(dst.Len()),
		}
	}
	for _, name := range dst.Names() {
		want := fmt.Sprint(dst.Shape(name))
		if !b.Weights.Has(name) {
			return nil, &errs.IncompatibleVersionError{Path: path, Field: "tensor " + name, Got: "missing", Want: want}
		}
		if got := fmt.Sprint(b.Weights.Shape(name)); got != want {
			return nil, &errs.IncompatibleVersionError{Path: path, Field: "tensor " + name, Got: got, Want: want}
		}
	}
	if err := dst.CopyFrom(b.Weights); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	m.dataHash = b.Manifest.DataHash
	return m, nil
}
