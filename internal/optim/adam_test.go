package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune/internal/config"
	"finetune/internal/params"
)

func quadratic() (*params.Set, *params.Set) {
	p := params.New()
	p.Add("w", 2, 2)
	p.Add("b", 2)
	copy(p.Data("w"), []float64{1, -2, 3, -4})
	copy(p.Data("b"), []float64{0.5, -0.5})
	return p, p.ZerosLike()
}

// grad of 0.5*||p||^2 is p itself.
func fillGrad(p, g *params.Set) {
	g.Zero()
	g.AddScaled(1, p)
}

func TestAdamWMinimizesQuadratic(t *testing.T) {
	p, g := quadratic()
	opt := New(Config{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, Schedule: config.ScheduleWarmupConstant, TotalSteps: 200}, p)

	start := p.Norm()
	for range 200 {
		fillGrad(p, g)
		opt.Step(p, g)
	}
	assert.Less(t, p.Norm(), start*0.1)
	assert.Equal(t, 200, opt.Steps())
}

func TestFirstStepMovesBySignTimesLR(t *testing.T) {
	p, g := quadratic()
	opt := New(Config{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-12, Schedule: config.ScheduleWarmupConstant, TotalSteps: 10}, p)
	fillGrad(p, g)
	lr := opt.Step(p, g)
	require.InDelta(t, 0.01, lr, 1e-15)
	assert.InDelta(t, 0.99, p.Data("w")[0], 1e-9)
	assert.InDelta(t, -1.99, p.Data("w")[1], 1e-9)
}

func TestWeightDecaySkipsVectorsByDefault(t *testing.T) {
	p, g := quadratic()
	opt := New(Config{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.5, Schedule: config.ScheduleWarmupConstant, TotalSteps: 1}, p)
	opt.Step(p, g) // zero gradient: only decay moves weights
	assert.InDelta(t, 1-0.1*0.5*1, p.Data("w")[0], 1e-12)
	assert.Equal(t, 0.5, p.Data("b")[0])

	p2, g2 := quadratic()
	opt2 := New(Config{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.5, VectorL2: true, Schedule: config.ScheduleWarmupConstant, TotalSteps: 1}, p2)
	opt2.Step(p2, g2)
	assert.InDelta(t, 0.5-0.1*0.5*0.5, p2.Data("b")[0], 1e-12)
}

func TestClipGlobalNorm(t *testing.T) {
	g := params.New()
	g.Add("a", 2)
	copy(g.Data("a"), []float64{3, 4})

	norm := ClipGlobalNorm(g, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 1, g.Norm(), 1e-12)

	norm = ClipGlobalNorm(g, 0)
	assert.InDelta(t, 1, norm, 1e-12)

	g.Data("a")[0] = math.Inf(1)
	assert.True(t, math.IsInf(ClipGlobalNorm(g, 1), 1))
}

func TestSchedules(t *testing.T) {
	const w = 0.1
	for _, name := range []string{config.ScheduleWarmupLinear, config.ScheduleWarmupCosine, config.ScheduleWarmupConstant} {
		assert.InDelta(t, 0.5, Schedule(name, 0.05, w), 1e-12, name)
		assert.InDelta(t, 1, Schedule(name, w, w), 1e-12, name)
	}
	assert.InDelta(t, 0, Schedule(config.ScheduleWarmupLinear, 1, w), 1e-12)
	assert.InDelta(t, 0.5, Schedule(config.ScheduleWarmupLinear, 0.55, w), 1e-12)
	assert.InDelta(t, 0, Schedule(config.ScheduleWarmupCosine, 1, w), 1e-12)
	assert.InDelta(t, 0.5, Schedule(config.ScheduleWarmupCosine, 0.55, w), 1e-12)
	assert.InDelta(t, 1, Schedule(config.ScheduleWarmupConstant, 1, w), 1e-12)
	assert.InDelta(t, 1, Schedule(config.ScheduleWarmupLinear, 0, 0), 1e-12)
}

func TestNextLRFollowsSchedule(t *testing.T) {
	p, g := quadratic()
	opt := New(FromConfig(func() config.Config {
		c := config.Tiny()
		c.LearningRate = 1
		c.WarmupFraction = 0.5
		return c
	}(), 4), p)

	assert.InDelta(t, 0.5, opt.NextLR(), 1e-12)
	opt.Step(p, g)
	assert.InDelta(t, 1, opt.NextLR(), 1e-12)
}
