package backbone

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"finetune/internal/params"
)

// Transformer is a GPT-style pre-LayerNorm decoder with learned positions
// and an output projection tied to the token embedding.
type Transformer struct {
	spec   Spec
	p      *params.Set
	blocks []blockNames
}

type blockNames struct {
	ln1g, ln1b, wqkv, bqkv, wo, bo string
	ln2g, ln2b, wfc, bfc, wproj, bproj string
}

func namesFor(l int) blockNames {
	n := func(s string) string { return fmt.Sprintf("h%d.%s", l, s) }
	return blockNames{
		ln1g: n("ln1.g"), ln1b: n("ln1.b"),
		wqkv: n("attn.w_qkv"), bqkv: n("attn.b_qkv"),
		wo: n("attn.w_o"), bo: n("attn.b_o"),
		ln2g: n("ln2.g"), ln2b: n("ln2.b"),
		wfc: n("mlp.w_fc"), bfc: n("mlp.b_fc"),
		wproj: n("mlp.w_proj"), bproj: n("mlp.b_proj"),
	}
}

func newTransformer(s Spec, rng *rand.Rand) *Transformer {
	d, f := s.Dim, s.FFN
	t := &Transformer{spec: s, p: params.New()}
	t.p.Add("tok_embed", s.VocabSize, d)
	t.p.Add("pos_embed", s.MaxLen, d)
	t.p.Randn("tok_embed", 0.02, rng)
	t.p.Randn("pos_embed", 0.01, rng)

	// Residual projections are scaled down with depth.
	projStd := 0.02 / math.Sqrt(2*float64(s.Layers))
	for l := range s.Layers {
		b := namesFor(l)
		t.blocks = append(t.blocks, b)
		t.p.Add(b.ln1g, d)
		t.p.Fill(b.ln1g, 1)
		t.p.Add(b.ln1b, d)
		t.p.Add(b.wqkv, d, 3*d)
		t.p.Randn(b.wqkv, 0.02, rng)
		t.p.Add(b.bqkv, 3*d)
		t.p.Add(b.wo, d, d)
		t.p.Randn(b.wo, projStd, rng)
		t.p.Add(b.bo, d)
		t.p.Add(b.ln2g, d)
		t.p.Fill(b.ln2g, 1)
		t.p.Add(b.ln2b, d)
		t.p.Add(b.wfc, d, f)
		t.p.Randn(b.wfc, 0.02, rng)
		t.p.Add(b.bfc, f)
		t.p.Add(b.wproj, f, d)
		t.p.Randn(b.wproj, projStd, rng)
		t.p.Add(b.bproj, d)
	}
	t.p.Add("ln_f.g", d)
	t.p.Fill("ln_f.g", 1)
	t.p.Add("ln_f.b", d)
	return t
}

func (t *Transformer) Spec() Spec { return t.spec }

func (t *Transformer) Params() *params.Set { return t.p }

type blockCache struct {
	ln1   lnCache
	a     *mat.Dense // LN1 output
	qkv   *mat.Dense
	probs []*mat.Dense // per head, causal softmax
	ctx   *mat.Dense
	mask1 []float64
	ln2   lnCache
	m     *mat.Dense // LN2 output
	f     *mat.Dense // pre-activation
	g     *mat.Dense // GELU output
	mask2 []float64
}

type transformerCache struct {
	mask0  []float64
	blocks []blockCache
	lnf    lnCache
}

func (t *Transformer) Forward(tokens []int, train bool, rng *rand.Rand) *Trace {
	n, d := len(tokens), t.spec.Dim
	if n == 0 || n > t.spec.MaxLen {
		panic(fmt.Sprintf("backbone: %d tokens, want 1..%d", n, t.spec.MaxLen))
	}
	if !train {
		rng = nil
	}
	p := t.spec.Dropout

	tok, pos := t.p.Mat("tok_embed"), t.p.Mat("pos_embed")
	x := mat.NewDense(n, d, nil)
	for i, id := range tokens {
		row := x.RawRowView(i)
		copy(row, tok.RawRowView(id))
		for j, v := range pos.RawRowView(i) {
			row[j] += v
		}
	}
	c := &transformerCache{mask0: dropout(x, p, rng)}

	for _, b := range t.blocks {
		var bc blockCache
		bc.a, bc.ln1 = layerNorm(x, t.p.Data(b.ln1g), t.p.Data(b.ln1b))
		bc.qkv = linear(bc.a, t.p.Mat(b.wqkv), t.p.Data(b.bqkv))
		bc.ctx, bc.probs = t.attend(bc.qkv, n)
		attnOut := linear(bc.ctx, t.p.Mat(b.wo), t.p.Data(b.bo))
		bc.mask1 = dropout(attnOut, p, rng)
		x.Add(x, attnOut)

		bc.m, bc.ln2 = layerNorm(x, t.p.Data(b.ln2g), t.p.Data(b.ln2b))
		bc.f = linear(bc.m, t.p.Mat(b.wfc), t.p.Data(b.bfc))
		bc.g = mat.NewDense(n, t.spec.FFN, nil)
		bc.g.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, bc.f)
		mlpOut := linear(bc.g, t.p.Mat(b.wproj), t.p.Data(b.bproj))
		bc.mask2 = dropout(mlpOut, p, rng)
		x.Add(x, mlpOut)

		c.blocks = append(c.blocks, bc)
	}

	h, lnf := layerNorm(x, t.p.Data("ln_f.g"), t.p.Data("ln_f.b"))
	c.lnf = lnf
	return &Trace{Tokens: tokens, Hidden: h, cache: c}
}

// attend runs causal multi-head attention over packed q|k|v columns.
func (t *Transformer) attend(qkv *mat.Dense, n int) (*mat.Dense, []*mat.Dense) {
	d, heads := t.spec.Dim, t.spec.Heads
	dh := d / heads
	scale := 1 / math.Sqrt(float64(dh))
	ctx := mat.NewDense(n, d, nil)
	probs := make([]*mat.Dense, heads)
	for h := range heads {
		q := qkv.Slice(0, n, h*dh, (h+1)*dh)
		k := qkv.Slice(0, n, d+h*dh, d+(h+1)*dh)
		v := qkv.Slice(0, n, 2*d+h*dh, 2*d+(h+1)*dh)

		s := mat.NewDense(n, n, nil)
		s.Mul(q, k.T())
		s.Scale(scale, s)
		for i := range n {
			softmaxRow(s.RawRowView(i), i+1)
		}
		probs[h] = s

		ctx.Slice(0, n, h*dh, (h+1)*dh).(*mat.Dense).Mul(s, v)
	}
	return ctx, probs
}

func (t *Transformer) Backward(tr *Trace, dHidden *mat.Dense, grads *params.Set) {
	c := tr.cache.(*transformerCache)
	n, d := len(tr.Tokens), t.spec.Dim

	dx := layerNormBackward(dHidden, c.lnf, t.p.Data("ln_f.g"), grads.Data("ln_f.g"), grads.Data("ln_f.b"))

	for l := len(t.blocks) - 1; l >= 0; l-- {
		b, bc := t.blocks[l], c.blocks[l]

		dMLP := mat.DenseCopyOf(dx)
		applyMask(dMLP, bc.mask2)
		dg := linearBackward(bc.g, t.p.Mat(b.wproj), dMLP, grads.Mat(b.wproj), grads.Data(b.bproj))
		dg.Apply(func(i, j int, v float64) float64 { return v * geluGrad(bc.f.At(i, j)) }, dg)
		dm := linearBackward(bc.m, t.p.Mat(b.wfc), dg, grads.Mat(b.wfc), grads.Data(b.bfc))
		dx.Add(dx, layerNormBackward(dm, bc.ln2, t.p.Data(b.ln2g), grads.Data(b.ln2g), grads.Data(b.ln2b)))

		dAttn := mat.DenseCopyOf(dx)
		applyMask(dAttn, bc.mask1)
		dctx := linearBackward(bc.ctx, t.p.Mat(b.wo), dAttn, grads.Mat(b.wo), grads.Data(b.bo))
		dqkv := t.attendBackward(bc, dctx, n)
		da := linearBackward(bc.a, t.p.Mat(b.wqkv), dqkv, grads.Mat(b.wqkv), grads.Data(b.bqkv))
		dx.Add(dx, layerNormBackward(da, bc.ln1, t.p.Data(b.ln1g), grads.Data(b.ln1g), grads.Data(b.ln1b)))
	}

	applyMask(dx, c.mask0)
	dTok, dPos := grads.Mat("tok_embed"), grads.Mat("pos_embed")
	for i, id := range tr.Tokens {
		row := dx.RawRowView(i)
		tokRow, posRow := dTok.RawRowView(id), dPos.RawRowView(i)
		for j := range d {
			tokRow[j] += row[j]
			posRow[j] += row[j]
		}
	}
}

func (t *Transformer) attendBackward(bc blockCache, dctx *mat.Dense, n int) *mat.Dense {
	d, heads := t.spec.Dim, t.spec.Heads
	dh := d / heads
	scale := 1 / math.Sqrt(float64(dh))
	dqkv := mat.NewDense(n, 3*d, nil)
	for h := range heads {
		q := bc.qkv.Slice(0, n, h*dh, (h+1)*dh)
		k := bc.qkv.Slice(0, n, d+h*dh, d+(h+1)*dh)
		v := bc.qkv.Slice(0, n, 2*d+h*dh, 2*d+(h+1)*dh)
		dc := dctx.Slice(0, n, h*dh, (h+1)*dh)
		probs := bc.probs[h]

		dqkv.Slice(0, n, 2*d+h*dh, 2*d+(h+1)*dh).(*mat.Dense).Mul(probs.T(), dc)

		var dp mat.Dense
		dp.Mul(dc, v.T())
		for i := range n {
			pr, dr := probs.RawRowView(i), dp.RawRowView(i)
			var dot float64
			for j := 0; j <= i; j++ {
				dot += pr[j] * dr[j]
			}
			for j := range n {
				dr[j] = pr[j] * (dr[j] - dot) * scale
			}
		}
		dqkv.Slice(0, n, h*dh, (h+1)*dh).(*mat.Dense).Mul(&dp, k)
		dqkv.Slice(0, n, d+h*dh, d+(h+1)*dh).(*mat.Dense).Mul(dp.T(), q)
	}
	return dqkv
}
