package model

import (
	"slices"

	"github.com/sourcegraph/conc/pool"

	"finetune/internal/encoding"
	"finetune/internal/errs"
)

// Partition runs fn(worker, i) for every i in [0, n) on at most workers
// goroutines. Worker w handles the indices congruent to w modulo the worker
// count, in increasing order, so per-worker accumulation is deterministic.
func Partition(workers, n int, fn func(worker, i int)) {
	if n == 0 {
		return
	}
	workers = max(1, min(workers, n))
	p := pool.New().WithMaxGoroutines(workers)
	for w := range workers {
		p.Go(func() {
			for i := w; i < n; i += workers {
				fn(w, i)
			}
		})
	}
	p.Wait()
}

// Pool returns the final hidden state at the end marker of seq.
func (m *Model) Pool(seq encoding.TokenSequence) []float64 {
	tr := m.bb.Forward(seq.Tokens(), false, nil)
	return slices.Clone(tr.Hidden.RawRowView(seq.EndIndex()))
}

// Featurize pools every sequence with dropout off.
func (m *Model) Featurize(seqs []encoding.TokenSequence) [][]float64 {
	out := make([][]float64, len(seqs))
	Partition(m.cfg.Parallelism(), len(seqs), func(_, i int) {
		out[i] = m.Pool(seqs[i])
	})
	return out
}

// PredictProba returns class probabilities in label-vocabulary order.
func (m *Model) PredictProba(seqs []encoding.TokenSequence) ([][]float64, error) {
	if m.head == nil {
		return nil, errs.ErrNotFitted
	}
	out := make([][]float64, len(seqs))
	Partition(m.cfg.Parallelism(), len(seqs), func(_, i int) {
		out[i] = m.head.Predict(m.Pool(seqs[i]))
	})
	return out, nil
}

// LabelProbabilities maps each probability row onto the label vocabulary.
func (m *Model) LabelProbabilities(probs [][]float64) []map[string]float64 {
	out := make([]map[string]float64, len(probs))
	for i, row := range probs {
		out[i] = make(map[string]float64, len(row))
		for j, p := range row {
			out[i][m.labels.Label(j)] = p
		}
	}
	return out
}

// Argmax returns the most probable label of a probability row. Ties go to
// the lower index.
func (m *Model) Argmax(row []float64) string {
	best := 0
	for j, p := range row {
		if p > row[best] {
			best = j
		}
	}
	return m.labels.Label(best)
}
