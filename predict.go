package finetune

import (
	"errors"
	"iter"

	"finetune/internal/encoding"
	"finetune/internal/errs"
)

// Predict returns one label→probability map per text, in input order.
// Every text is encoded before any inference runs, so an invalid text fails
// the whole call with an EncodingError naming its index.
func (m *Model) Predict(texts []string) ([]map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probs, err := m.proba(texts)
	if err != nil {
		return nil, err
	}
	return m.m.LabelProbabilities(probs), nil
}

// PredictLabels returns the most probable label of every text.
func (m *Model) PredictLabels(texts []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probs, err := m.proba(texts)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(probs))
	for i, row := range probs {
		out[i] = m.m.Argmax(row)
	}
	return out, nil
}

// PredictFields returns one label→probability map per multi-field example.
func (m *Model) PredictFields(rows [][]string) ([]map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.m.Head() == nil {
		return nil, ErrNotFitted
	}
	seqs, err := m.m.Encoder().EncodeFieldsAll("predict", rows)
	if err != nil {
		return nil, err
	}
	probs, err := m.m.PredictProba(seqs)
	if err != nil {
		return nil, err
	}
	return m.m.LabelProbabilities(probs), nil
}

func (m *Model) proba(texts []string) ([][]float64, error) {
	if m.m.Head() == nil {
		return nil, ErrNotFitted
	}
	seqs, err := m.m.Encoder().EncodeAll("predict", texts)
	if err != nil {
		return nil, err
	}
	return m.m.PredictProba(seqs)
}

// PredictSeq predicts lazily, one text at a time. Iteration stops after
// the first error, which is yielded with a nil map.
func (m *Model) PredictSeq(texts []string) iter.Seq2[map[string]float64, error] {
	return func(yield func(map[string]float64, error) bool) {
		for i, text := range texts {
			probs, err := m.predictOne(i, text)
			if !yield(probs, err) || err != nil {
				return
			}
		}
	}
}

func (m *Model) predictOne(i int, text string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.m.Head() == nil {
		return nil, ErrNotFitted
	}
	seq, err := m.m.Encoder().Encode(text)
	if err != nil {
		return nil, withIndex(err, i)
	}
	probs, err := m.m.PredictProba([]encoding.TokenSequence{seq})
	if err != nil {
		return nil, err
	}
	return m.m.LabelProbabilities(probs)[0], nil
}

func withIndex(err error, i int) error {
	var enc *errs.EncodingError
	if !errors.As(err, &enc) {
		return err
	}
	out := *enc
	out.Phase, out.Index = "predict", i
	return &out
}

// Featurize returns the pooled hidden state of every text: the backbone
// representation the classification head consumes.
func (m *Model) Featurize(texts []string) ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seqs, err := m.m.Encoder().EncodeAll("featurize", texts)
	if err != nil {
		return nil, err
	}
	return m.m.Featurize(seqs), nil
}

// FeaturizeFields is Featurize for multi-field examples.
func (m *Model) FeaturizeFields(rows [][]string) ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seqs, err := m.m.Encoder().EncodeFieldsAll("featurize", rows)
	if err != nil {
		return nil, err
	}
	return m.m.Featurize(seqs), nil
}

// Generate samples a continuation of prompt from the language model.
func (m *Model) Generate(prompt string, opts GenerateOptions) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m.Generate(prompt, opts)
}
