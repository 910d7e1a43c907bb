// Package backbone implements the pretrained language models that sit under
// the classification head.
//
// A backbone maps the real tokens of one sequence to one hidden state per
// position. Only the first Len positions of a TokenSequence are ever run:
// attention is causal, so padding after the end marker cannot change them.
package backbone

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"finetune/internal/config"
	"finetune/internal/encoding"
	"finetune/internal/params"
)

// Spec fixes every shape of a backbone.
type Spec struct {
	Kind      string
	Tokenizer string
	VocabSize int
	MaxLen    int
	Dim       int
	Layers    int
	Heads     int
	FFN       int
	Window    int
	Pad       int
	Dropout   float64
}

// SpecFor derives the backbone spec from a validated config and the
// tokenizer it names.
func SpecFor(cfg config.Config, tok encoding.Tokenizer) Spec {
	s := Spec{
		Kind:      cfg.Backbone,
		Tokenizer: tok.Name(),
		VocabSize: tok.VocabSize(),
		MaxLen:    cfg.MaxSequenceLength,
		Dim:       cfg.EmbedDim,
		FFN:       cfg.FFNDim,
		Pad:       tok.Specials().Pad,
		Dropout:   cfg.DropoutRate,
	}
	switch cfg.Backbone {
	case config.BackboneTransformer:
		s.Layers, s.Heads = cfg.NumLayers, cfg.NumHeads
	case config.BackboneWindow:
		s.Window = cfg.Window
	}
	return s
}

// Signature identifies the architecture. Two backbones with the same
// signature hold identically shaped tensors, except for the positional table
// which depends on MaxLen and is resized on transfer.
func Signature(s Spec) string {
	h := sha256.New()
	fmt.Fprintf(h, "kind=%s\ntokenizer=%s\nvocab=%d\ndim=%d\nffn=%d\n", s.Kind, s.Tokenizer, s.VocabSize, s.Dim, s.FFN)
	switch s.Kind {
	case config.BackboneTransformer:
		fmt.Fprintf(h, "layers=%d\nheads=%d\n", s.Layers, s.Heads)
	case config.BackboneWindow:
		fmt.Fprintf(h, "window=%d\n", s.Window)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Trace is the result of one forward pass, kept for the backward pass.
type Trace struct {
	Tokens []int
	Hidden *mat.Dense // len(Tokens) x Dim
	cache  any
}

// Backbone is the capability every variant provides.
type Backbone interface {
	Spec() Spec
	Params() *params.Set
	// Forward runs the real tokens of one sequence. With train set, dropout
	// masks are drawn from rng.
	Forward(tokens []int, train bool, rng *rand.Rand) *Trace
	// Backward accumulates parameter gradients for dHidden into grads.
	Backward(tr *Trace, dHidden *mat.Dense, grads *params.Set)
}

// New allocates a randomly initialized backbone.
func New(s Spec, rng *rand.Rand) (Backbone, error) {
	switch s.Kind {
	case config.BackboneTransformer:
		return newTransformer(s, rng), nil
	case config.BackboneWindow:
		return newWindow(s, rng), nil
	default:
		return nil, fmt.Errorf("unknown backbone %q", s.Kind)
	}
}

// EstimateBytes approximates the working set of one training batch:
// activations of every example plus weights, optimizer moments, the best
// snapshot and one gradient buffer per worker.
func EstimateBytes(s Spec, paramCount, batch, workers int) uint64 {
	n := s.MaxLen
	var act int
	switch s.Kind {
	case config.BackboneTransformer:
		act = n*s.Dim*(2+12*s.Layers) + s.Layers*(3*n*s.Dim+2*n*s.FFN+s.Heads*n*n)
	default:
		act = n * (s.Window*s.Dim + 2*s.FFN + 4*s.Dim)
	}
	act += 2 * n * s.VocabSize // LM logits and their gradient
	floats := batch*act + paramCount*(4+workers)
	return uint64(floats) * 8
}
