package backbone

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"finetune/internal/params"
)

// LMLoss is the mean next-token cross-entropy of a traced sequence, with the
// output projection tied to the token embedding. When grads is non-nil the
// gradient of weight*loss is added to dHidden and to grads["tok_embed"].
//
// The loss is -log(p) without clamping so that a collapsed distribution
// surfaces as +Inf instead of a plausible number.
func LMLoss(b Backbone, tr *Trace, weight float64, dHidden *mat.Dense, grads *params.Set) float64 {
	n := len(tr.Tokens)
	if n < 2 {
		return 0
	}
	_, d := tr.Hidden.Dims()
	m := n - 1
	embed := b.Params().Mat("tok_embed")
	hm := tr.Hidden.Slice(0, m, 0, d)

	var logits mat.Dense
	logits.Mul(hm, embed.T())
	var loss float64
	for i := range m {
		row := logits.RawRowView(i)
		softmaxRow(row, len(row))
		target := tr.Tokens[i+1]
		loss -= math.Log(row[target])
		row[target]--
	}
	loss /= float64(m)

	if grads == nil || weight == 0 {
		return loss
	}
	logits.Scale(weight/float64(m), &logits)

	var dh mat.Dense
	dh.Mul(&logits, embed)
	dv := dHidden.Slice(0, m, 0, d).(*mat.Dense)
	dv.Add(dv, &dh)

	var de mat.Dense
	de.Mul(logits.T(), hm)
	dEmbed := grads.Mat("tok_embed")
	dEmbed.Add(dEmbed, &de)
	return loss
}

// NextTokenLogits scores every vocabulary entry as the continuation of
// tokens, which must fit the backbone's maximum length.
func NextTokenLogits(b Backbone, tokens []int) []float64 {
	tr := b.Forward(tokens, false, nil)
	last := tr.Hidden.RawRowView(len(tokens) - 1)
	embed := b.Params().Mat("tok_embed")
	out := make([]float64, b.Spec().VocabSize)
	mat.NewVecDense(len(out), out).MulVec(embed, mat.NewVecDense(len(last), last))
	return out
}
