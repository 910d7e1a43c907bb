package backbone

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"finetune/internal/params"
)

// Window is a fixed-context MLP language model: the hidden state at position
// i is computed from the embeddings of the last Window tokens up to and
// including i, padded on the left.
type Window struct {
	spec Spec
	p    *params.Set
}

func newWindow(s Spec, rng *rand.Rand) *Window {
	d, w, f := s.Dim, s.Window, s.FFN
	m := &Window{spec: s, p: params.New()}
	m.p.Add("tok_embed", s.VocabSize, d)
	m.p.Uniform("tok_embed", 0.05, rng)
	m.p.Add("win.w1", w*d, f)
	m.p.Uniform("win.w1", 1/math.Sqrt(float64(d*w)), rng)
	m.p.Add("win.b1", f)
	m.p.Add("win.w2", f, d)
	m.p.Uniform("win.w2", 1/math.Sqrt(float64(f)), rng)
	m.p.Add("win.b2", d)
	m.p.Add("ln_f.g", d)
	m.p.Fill("ln_f.g", 1)
	m.p.Add("ln_f.b", d)
	return m
}

func (m *Window) Spec() Spec { return m.spec }

func (m *Window) Params() *params.Set { return m.p }

type windowCache struct {
	contexts [][]int
	cat      *mat.Dense // n x (Window*Dim)
	hpre     *mat.Dense
	hact     *mat.Dense
	mask     []float64
	lnf      lnCache
}

// contexts slides a window over tokens, padding positions before the start.
func (m *Window) contexts(tokens []int) [][]int {
	w := m.spec.Window
	ctx := make([]int, w)
	for i := range ctx {
		ctx[i] = m.spec.Pad
	}
	out := make([][]int, len(tokens))
	for i, id := range tokens {
		copy(ctx, ctx[1:])
		ctx[w-1] = id
		out[i] = append([]int(nil), ctx...)
	}
	return out
}

func (m *Window) Forward(tokens []int, train bool, rng *rand.Rand) *Trace {
	n, d := len(tokens), m.spec.Dim
	if n == 0 || n > m.spec.MaxLen {
		panic(fmt.Sprintf("backbone: %d tokens, want 1..%d", n, m.spec.MaxLen))
	}
	if !train {
		rng = nil
	}

	c := &windowCache{contexts: m.contexts(tokens)}
	embed := m.p.Mat("tok_embed")
	c.cat = mat.NewDense(n, m.spec.Window*d, nil)
	for i, ctx := range c.contexts {
		row := c.cat.RawRowView(i)
		for w, id := range ctx {
			copy(row[w*d:(w+1)*d], embed.RawRowView(id))
		}
	}

	c.hpre = linear(c.cat, m.p.Mat("win.w1"), m.p.Data("win.b1"))
	c.hact = mat.NewDense(n, m.spec.FFN, nil)
	c.hact.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, c.hpre)
	c.mask = dropout(c.hact, m.spec.Dropout, rng)

	o := linear(c.hact, m.p.Mat("win.w2"), m.p.Data("win.b2"))
	h, lnf := layerNorm(o, m.p.Data("ln_f.g"), m.p.Data("ln_f.b"))
	c.lnf = lnf
	return &Trace{Tokens: tokens, Hidden: h, cache: c}
}

func (m *Window) Backward(tr *Trace, dHidden *mat.Dense, grads *params.Set) {
	c := tr.cache.(*windowCache)
	d := m.spec.Dim

	do := layerNormBackward(dHidden, c.lnf, m.p.Data("ln_f.g"), grads.Data("ln_f.g"), grads.Data("ln_f.b"))
	dh := linearBackward(c.hact, m.p.Mat("win.w2"), do, grads.Mat("win.w2"), grads.Data("win.b2"))
	applyMask(dh, c.mask)
	dh.Apply(func(i, j int, v float64) float64 {
		if c.hpre.At(i, j) > 0 {
			return v
		}
		return 0
	}, dh)
	dcat := linearBackward(c.cat, m.p.Mat("win.w1"), dh, grads.Mat("win.w1"), grads.Data("win.b1"))

	dEmbed := grads.Mat("tok_embed")
	for i, ctx := range c.contexts {
		row := dcat.RawRowView(i)
		for w, id := range ctx {
			dst := dEmbed.RawRowView(id)
			for k := range d {
				dst[k] += row[w*d+k]
			}
		}
	}
}
