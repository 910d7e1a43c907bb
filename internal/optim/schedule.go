package optim

import (
	"math"

	"finetune/internal/config"
)

// Schedule returns the learning-rate multiplier at training progress x in
// (0, 1] with the given warmup fraction.
func Schedule(name string, x, warmup float64) float64 {
	if x < warmup {
		return x / warmup
	}
	switch name {
	case config.ScheduleWarmupCosine:
		if warmup >= 1 {
			return 1
		}
		p := (x - warmup) / (1 - warmup)
		return 0.5 * (1 + math.Cos(math.Pi*math.Min(p, 1)))
	case config.ScheduleWarmupConstant:
		return 1
	default:
		if warmup >= 1 {
			return 1
		}
		return math.Max((1-x)/(1-warmup), 0)
	}
}
