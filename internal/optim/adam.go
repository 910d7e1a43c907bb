// Package optim implements Adam with decoupled weight decay and the
// warmup learning-rate schedules used for finetuning.
package optim

import (
	"math"

	"finetune/internal/config"
	"finetune/internal/params"
)

type Config struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	VectorL2    bool
	MaxGradNorm float64 // 0 disables clipping
	Schedule    string
	Warmup      float64 // fraction of TotalSteps
	TotalSteps  int
}

// FromConfig derives optimizer settings for a run of totalSteps updates.
func FromConfig(c config.Config, totalSteps int) Config {
	return Config{
		LR:          c.LearningRate,
		Beta1:       c.Beta1,
		Beta2:       c.Beta2,
		Eps:         c.Epsilon,
		WeightDecay: c.WeightDecay,
		VectorL2:    c.VectorL2,
		MaxGradNorm: c.MaxGradNorm,
		Schedule:    c.Schedule,
		Warmup:      c.WarmupFraction,
		TotalSteps:  totalSteps,
	}
}

// AdamW keeps first and second moments for every tensor of a parameter set.
type AdamW struct {
	cfg  Config
	m, v *params.Set
	t    int
}

func New(cfg Config, p *params.Set) *AdamW {
	if cfg.TotalSteps < 1 {
		cfg.TotalSteps = 1
	}
	return &AdamW{cfg: cfg, m: p.ZerosLike(), v: p.ZerosLike()}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

// NextLR is the learning rate the next Step will use.
func (o *AdamW) NextLR() float64 {
	x := float64(o.t+1) / float64(o.cfg.TotalSteps)
	return o.cfg.LR * Schedule(o.cfg.Schedule, x, o.cfg.Warmup)
}

// Step applies one update to p from gradients g and returns the learning
// rate used. g must already be clipped (see ClipGlobalNorm).
func (o *AdamW) Step(p, g *params.Set) float64 {
	lr := o.NextLR()
	o.t++
	b1t := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	b2t := 1 - math.Pow(o.cfg.Beta2, float64(o.t))
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2

	p.Each(func(name string, _ []int, w []float64) {
		gw, mw, vw := g.Data(name), o.m.Data(name), o.v.Data(name)
		decay := o.cfg.WeightDecay > 0 && (!p.IsVector(name) || o.cfg.VectorL2)
		for i := range w {
			mw[i] = b1*mw[i] + (1-b1)*gw[i]
			vw[i] = b2*vw[i] + (1-b2)*gw[i]*gw[i]
			upd := (mw[i] / b1t) / (math.Sqrt(vw[i]/b2t) + o.cfg.Eps)
			if decay {
				upd += o.cfg.WeightDecay * w[i]
			}
			w[i] -= lr * upd
		}
	})
	return lr
}

// ClipGlobalNorm rescales g so its global norm is at most maxNorm and
// returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGlobalNorm(g *params.Set, maxNorm float64) float64 {
	norm := g.Norm()
	if maxNorm > 0 && norm > maxNorm {
		g.Scale(maxNorm / norm)
	}
	return norm
}
