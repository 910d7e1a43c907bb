package backbone

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"finetune/internal/config"
	"finetune/internal/params"
)

func tinySpec(kind string) Spec {
	return Spec{
		Kind:      kind,
		Tokenizer: config.TokenizerRunes,
		VocabSize: 7,
		MaxLen:    6,
		Dim:       4,
		Layers:    2,
		Heads:     2,
		FFN:       6,
		Window:    3,
		Pad:       0,
	}
}

func build(t *testing.T, s Spec, seed int64) Backbone {
	t.Helper()
	b, err := New(s, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return b
}

// objective is Σ H⊙r plus the tied LM loss.
func objective(b Backbone, tokens []int, r *mat.Dense) float64 {
	tr := b.Forward(tokens, false, nil)
	n, d := tr.Hidden.Dims()
	var sum float64
	for i := range n {
		for j := range d {
			sum += tr.Hidden.At(i, j) * r.At(i, j)
		}
	}
	return sum + LMLoss(b, tr, 1, nil, nil)
}

func checkGradients(t *testing.T, kind string) {
	b := build(t, tinySpec(kind), 3)
	tokens := []int{1, 4, 2, 6, 3}
	rng := rand.New(rand.NewSource(9))
	r := mat.NewDense(len(tokens), b.Spec().Dim, nil)
	r.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, r)

	grads := b.Params().ZerosLike()
	tr := b.Forward(tokens, false, nil)
	dHidden := mat.DenseCopyOf(r)
	LMLoss(b, tr, 1, dHidden, grads)
	b.Backward(tr, dHidden, grads)

	const eps = 1e-5
	b.Params().Each(func(name string, _ []int, w []float64) {
		g := grads.Data(name)
		for i := range w {
			orig := w[i]
			w[i] = orig + eps
			up := objective(b, tokens, r)
			w[i] = orig - eps
			down := objective(b, tokens, r)
			w[i] = orig

			numeric := (up - down) / (2 * eps)
			tol := 1e-6 + 1e-4*math.Max(math.Abs(numeric), math.Abs(g[i]))
			if !assert.InDelta(t, numeric, g[i], tol, "%s[%d]", name, i) {
				return
			}
		}
	})
}

func TestTransformerGradients(t *testing.T) {
	checkGradients(t, config.BackboneTransformer)
}

func TestWindowGradients(t *testing.T) {
	checkGradients(t, config.BackboneWindow)
}

func TestCausalPrefixIsIndependentOfSuffix(t *testing.T) {
	for _, kind := range []string{config.BackboneTransformer, config.BackboneWindow} {
		b := build(t, tinySpec(kind), 1)
		short := b.Forward([]int{1, 2, 3}, false, nil)
		long := b.Forward([]int{1, 2, 3, 5, 6}, false, nil)
		for i := range 3 {
			assert.InDeltaSlice(t, short.Hidden.RawRowView(i), long.Hidden.RawRowView(i), 1e-12, kind)
		}
	}
}

func TestInferenceIsDeterministic(t *testing.T) {
	s := tinySpec(config.BackboneTransformer)
	s.Dropout = 0.5
	b := build(t, s, 1)
	rng := rand.New(rand.NewSource(1))

	a := b.Forward([]int{1, 2, 3}, false, rng)
	c := b.Forward([]int{1, 2, 3}, false, rng)
	assert.True(t, mat.Equal(a.Hidden, c.Hidden))

	trained := b.Forward([]int{1, 2, 3}, true, rng)
	assert.False(t, mat.Equal(a.Hidden, trained.Hidden))
}

func TestDropoutGradientsMatchMasks(t *testing.T) {
	s := tinySpec(config.BackboneTransformer)
	s.Dropout = 0.3
	b := build(t, s, 5)
	tokens := []int{2, 3, 4}

	tr := b.Forward(tokens, true, rand.New(rand.NewSource(11)))
	grads := b.Params().ZerosLike()
	dHidden := mat.NewDense(len(tokens), s.Dim, nil)
	loss := LMLoss(b, tr, 1, dHidden, grads)
	b.Backward(tr, dHidden, grads)

	assert.False(t, math.IsNaN(loss))
	assert.True(t, grads.AllFinite())
	assert.Greater(t, grads.Norm(), 0.0)
}

func TestLMLossOfUniformModel(t *testing.T) {
	b := build(t, tinySpec(config.BackboneWindow), 1)
	b.Params().Zero()
	b.Params().Fill("ln_f.g", 1)
	tr := b.Forward([]int{1, 2, 3}, false, nil)
	assert.InDelta(t, math.Log(7), LMLoss(b, tr, 1, nil, nil), 1e-9)
}

func TestNextTokenLogits(t *testing.T) {
	b := build(t, tinySpec(config.BackboneTransformer), 2)
	logits := NextTokenLogits(b, []int{1, 2})
	require.Len(t, logits, 7)

	tr := b.Forward([]int{1, 2}, false, nil)
	var want float64
	for j := range 4 {
		want += tr.Hidden.At(1, j) * b.Params().Mat("tok_embed").At(5, j)
	}
	assert.InDelta(t, want, logits[5], 1e-12)
}

func TestSignature(t *testing.T) {
	a := tinySpec(config.BackboneTransformer)
	b := a
	b.MaxLen = 64
	b.Dropout = 0.3
	assert.Equal(t, Signature(a), Signature(b))

	b.Heads = 1
	assert.NotEqual(t, Signature(a), Signature(b))

	w := tinySpec(config.BackboneWindow)
	assert.NotEqual(t, Signature(a), Signature(w))
}

func TestTransferResizesPositions(t *testing.T) {
	src := build(t, tinySpec(config.BackboneTransformer), 1)
	pos := src.Params().Data("pos_embed")
	for i := range pos {
		pos[i] = float64(i / 4) // row index
	}

	shorter := tinySpec(config.BackboneTransformer)
	shorter.MaxLen = 3
	dst := build(t, shorter, 2)
	require.NoError(t, Transfer(dst, src.Params()))
	assert.Equal(t, src.Params().Data("h1.mlp.w_fc"), dst.Params().Data("h1.mlp.w_fc"))
	assert.Equal(t, []float64{2, 2, 2, 2}, dst.Params().Data("pos_embed")[8:12])

	longer := tinySpec(config.BackboneTransformer)
	longer.MaxLen = 11
	dst = build(t, longer, 2)
	require.NoError(t, Transfer(dst, src.Params()))
	got := dst.Params().Mat("pos_embed")
	assert.InDelta(t, 0, got.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, got.At(1, 0), 1e-12)
	assert.InDelta(t, 5, got.At(10, 3), 1e-12)
}

func TestTransferRejectsShapeMismatch(t *testing.T) {
	src := build(t, tinySpec(config.BackboneTransformer), 1)
	wider := tinySpec(config.BackboneTransformer)
	wider.FFN = 8
	dst := build(t, wider, 1)
	assert.ErrorContains(t, Transfer(dst, src.Params()), "mlp.w_fc")

	assert.ErrorContains(t, Transfer(dst, params.New()), "no tensor")
}

func TestEstimateBytesGrowsWithBatch(t *testing.T) {
	s := tinySpec(config.BackboneTransformer)
	small := EstimateBytes(s, 1000, 1, 2)
	large := EstimateBytes(s, 1000, 8, 2)
	assert.Greater(t, large, small)
}

func TestSpecFor(t *testing.T) {
	cfg := config.Tiny()
	s := SpecFor(cfg, fakeTokenizer{})
	assert.Equal(t, config.BackboneTransformer, s.Kind)
	assert.Equal(t, 10, s.VocabSize)
	assert.Equal(t, 9, s.Pad)
	assert.Equal(t, cfg.NumHeads, s.Heads)
	assert.Zero(t, s.Window)
}
