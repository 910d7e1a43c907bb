package engine

import (
	"math"

	"finetune/internal/backbone"
	"finetune/internal/model"
)

// minProb keeps validation loss finite when the head is confidently wrong.
const minProb = 1e-12

// evaluate scores the validation set with dropout off. For classification
// fits the loss is the mean cross-entropy of the head; for language-model
// fits it is the mean next-token loss.
func (e *Engine) evaluate(r *run) (loss, accuracy float64) {
	bb := e.m.Backbone()
	n := len(r.val)
	losses := make([]float64, n)
	hits := make([]bool, n)

	model.Partition(r.cfg.Parallelism(), n, func(_, i int) {
		seq := r.val[i]
		tr := bb.Forward(seq.Tokens(), false, nil)
		if r.lmOnly {
			losses[i] = backbone.LMLoss(bb, tr, 0, nil, nil)
			return
		}
		probs := e.m.Head().Predict(tr.Hidden.RawRowView(seq.EndIndex()))
		target := r.valY[i]
		losses[i] = -math.Log(max(probs[target], minProb))
		best := 0
		for j, p := range probs {
			if p > probs[best] {
				best = j
			}
		}
		hits[i] = best == target
	})

	correct := 0
	for i := range n {
		loss += losses[i]
		if hits[i] {
			correct++
		}
	}
	return loss / float64(n), float64(correct) / float64(n)
}
