package engine

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"finetune/internal/backbone"
	"finetune/internal/head"
	"finetune/internal/model"
	"finetune/internal/params"
)

type batchResult struct {
	loss  float64
	lm    float64
	clf   float64
	norm  float64
	grads *params.Set
}

// batch computes the joint loss of the examples at idx and their summed
// gradient. Forward and backward passes run per example on the worker pool;
// the classifier step runs once for the whole batch. Worker gradients are
// reduced in worker order so results do not depend on scheduling.
func (e *Engine) batch(r *run, idx []int) batchResult {
	bb := e.m.Backbone()
	bs := len(idx)
	workers := len(r.grads)
	for _, g := range r.grads {
		g.Zero()
	}

	traces := make([]*backbone.Trace, bs)
	dHidden := make([]*mat.Dense, bs)
	lmLosses := make([]float64, bs)
	lmWeight := r.lambda / float64(bs)

	model.Partition(workers, bs, func(w, k int) {
		seq := r.train[idx[k]]
		rng := rand.New(rand.NewSource(exampleSeed(r.cfg.Seed, r.opt.Steps(), k)))
		tr := bb.Forward(seq.Tokens(), true, rng)
		n, d := tr.Hidden.Dims()
		dh := mat.NewDense(n, d, nil)
		lmLosses[k] = backbone.LMLoss(bb, tr, lmWeight, dh, r.grads[w])
		traces[k], dHidden[k] = tr, dh
	})

	var lm float64
	for _, l := range lmLosses {
		lm += l
	}
	lm /= float64(bs)

	var clf float64
	if !r.lmOnly {
		clf = e.classify(r, idx, traces, dHidden)
	}

	model.Partition(workers, bs, func(w, k int) {
		bb.Backward(traces[k], dHidden[k], r.grads[w])
	})

	total := r.grads[0]
	for _, g := range r.grads[1:] {
		total.AddScaled(1, g)
	}

	loss := r.lambda * lm
	if !r.lmOnly {
		loss += (1 - r.lambda) * clf
	}
	return batchResult{loss: loss, lm: lm, clf: clf, norm: total.Norm(), grads: total}
}

// classify runs the head on the pooled end-marker states, adds the head
// gradient to worker 0 and the pooled-state gradient to each example's
// hidden-state gradient. It returns the mean classification loss.
func (e *Engine) classify(r *run, idx []int, traces []*backbone.Trace, dHidden []*mat.Dense) float64 {
	bs := len(idx)
	d := e.m.Head().Dim()
	pooled := mat.NewDense(bs, d, nil)
	masks := make([][]float64, bs)
	rng := rand.New(rand.NewSource(exampleSeed(r.cfg.Seed, r.opt.Steps(), -1)))
	targets := make([]int, bs)
	for k, i := range idx {
		end := r.train[i].EndIndex()
		row := pooled.RawRowView(k)
		copy(row, traces[k].Hidden.RawRowView(end))
		masks[k] = classifierDropout(row, r.cfg.ClassifierDropout, rng)
		targets[k] = r.targets[i]
	}

	g, err := e.m.Head().Step(pooled, targets)
	if err != nil {
		// Shapes are fixed by construction; a failure here is a bug.
		panic(err)
	}

	scale := (1 - r.lambda) / float64(bs)
	floats.AddScaled(r.grads[0].Data(head.WeightName), scale, g.W)
	floats.AddScaled(r.grads[0].Data(head.BiasName), scale, g.B)
	for k, i := range idx {
		dp := slices.Clone(g.Pooled.RawRowView(k))
		if masks[k] != nil {
			floats.Mul(dp, masks[k])
		}
		floats.AddScaled(dHidden[k].RawRowView(r.train[i].EndIndex()), scale, dp)
	}
	return g.Loss / float64(bs)
}

// classifierDropout applies inverted dropout in place and returns the mask,
// or nil when p is zero.
func classifierDropout(row []float64, p float64, rng *rand.Rand) []float64 {
	if p <= 0 {
		return nil
	}
	keep := 1 - p
	mask := make([]float64, len(row))
	for j := range row {
		if rng.Float64() < keep {
			mask[j] = 1 / keep
		}
		row[j] *= mask[j]
	}
	return mask
}

// exampleSeed derives a reproducible per-example seed from the run seed, the
// optimizer step and the position in the batch.
func exampleSeed(seed int64, step, k int) int64 {
	h := uint64(seed)*0x9E3779B97F4A7C15 ^ uint64(step+1)*0xBF58476D1CE4E5B9 ^ uint64(k+2)*0x94D049BB133111EB
	h ^= h >> 31
	return int64(h & math.MaxInt64)
}
