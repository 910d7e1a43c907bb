package model

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"finetune/internal/backbone"
	"finetune/internal/errs"
)

// GenerateOptions control sampling from the language model.
type GenerateOptions struct {
	MaxTokens         int
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	Seed              int64
}

func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{MaxTokens: 40, Temperature: 0.8, TopK: 40, TopP: 0.95, RepetitionPenalty: 0.1, Seed: 1}
}

// Generate continues prompt autoregressively until the end marker or
// MaxTokens, and returns the prompt followed by the continuation.
func (m *Model) Generate(prompt string, opts GenerateOptions) (string, error) {
	if opts.MaxTokens < 1 {
		return "", errs.Invalid("max_tokens", "must be positive, got %d", opts.MaxTokens)
	}
	tokens, err := m.enc.Prompt(prompt)
	if err != nil {
		return "", err
	}
	sp := m.enc.Tokenizer().Specials()
	rng := rand.New(rand.NewSource(opts.Seed))
	maxLen := m.enc.MaxLen()
	seen := make(map[int]int)

	for range opts.MaxTokens {
		ctx := tokens[max(0, len(tokens)-maxLen):]
		logits := backbone.NextTokenLogits(m.bb, ctx)
		// Markers other than the end marker are never sampled.
		logits[sp.Start] = math.Inf(-1)
		logits[sp.Pad] = math.Inf(-1)

		probs := softmaxTemp(logits, opts.Temperature)
		if opts.RepetitionPenalty > 0 {
			for id, cnt := range seen {
				probs[id] /= 1 + opts.RepetitionPenalty*float64(cnt)
			}
			normalize(probs)
		}
		if opts.TopK > 0 {
			probs = topK(probs, opts.TopK)
		}
		if opts.TopP > 0 && opts.TopP < 1 {
			probs = topP(probs, opts.TopP)
		}

		id := choice(probs, rng)
		if id == sp.End {
			break
		}
		tokens = append(tokens, id)
		seen[id]++
	}
	return m.enc.DecodeIDs(tokens), nil
}

func softmaxTemp(logits []float64, temp float64) []float64 {
	if temp <= 0 {
		temp = 1
	}
	maxv := slices.Max(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp((v - maxv) / temp)
	}
	normalize(out)
	return out
}

func normalize(p []float64) {
	var s float64
	for _, v := range p {
		s += v
	}
	if s == 0 {
		return
	}
	for i := range p {
		p[i] /= s
	}
}

type ranked struct {
	i int
	p float64
}

func byProbability(probs []float64) []ranked {
	arr := make([]ranked, len(probs))
	for i, p := range probs {
		arr[i] = ranked{i, p}
	}
	slices.SortStableFunc(arr, func(a, b ranked) int { return cmp.Compare(b.p, a.p) })
	return arr
}

func topK(probs []float64, k int) []float64 {
	if k >= len(probs) {
		return probs
	}
	out := make([]float64, len(probs))
	for _, e := range byProbability(probs)[:k] {
		out[e.i] = e.p
	}
	normalize(out)
	return out
}

func topP(probs []float64, threshold float64) []float64 {
	out := make([]float64, len(probs))
	var cum float64
	for _, e := range byProbability(probs) {
		out[e.i] = e.p
		cum += e.p
		if cum >= threshold {
			break
		}
	}
	normalize(out)
	return out
}

func choice(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}
