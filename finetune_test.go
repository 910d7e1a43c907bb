package finetune

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	movieX = []string{"great movie", "terrible film", "loved it", "hated it"}
	movieY = []string{"pos", "neg", "pos", "neg"}
)

func tinyModel(t *testing.T, mutate ...func(*Config)) *Model {
	t.Helper()
	cfg := TinyConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func fitted(t *testing.T) *Model {
	t.Helper()
	m := tinyModel(t)
	_, err := m.Fit(context.Background(), movieX, movieY)
	require.NoError(t, err)
	return m
}

func TestFitThenPredict(t *testing.T) {
	m := tinyModel(t)
	hist, err := m.Fit(context.Background(), movieX, movieY)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.Len())

	probs, err := m.Predict(movieX)
	require.NoError(t, err)
	require.Len(t, probs, len(movieX))
	for _, p := range probs {
		assert.Len(t, p, 2)
		assert.Contains(t, p, "pos")
		assert.Contains(t, p, "neg")
		assert.InDelta(t, 1.0, p["pos"]+p["neg"], 1e-6)
	}
	assert.Equal(t, []string{"neg", "pos"}, m.Labels())
}

func TestPredictIsIdempotent(t *testing.T) {
	m := fitted(t)
	a, err := m.Predict(movieX)
	require.NoError(t, err)
	b, err := m.Predict(movieX)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := fitted(t)
	path := filepath.Join(t.TempDir(), "movies.ftm")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Labels(), loaded.Labels())
	assert.Equal(t, m.Signature(), loaded.Signature())

	want, err := m.Predict(movieX)
	require.NoError(t, err)
	got, err := loaded.Predict(movieX)
	require.NoError(t, err)
	for i := range want {
		for label, p := range want[i] {
			assert.InDelta(t, p, got[i][label], 1e-9)
		}
	}
}

func TestUnfittedRoundTrip(t *testing.T) {
	m := tinyModel(t)
	path := filepath.Join(t.TempDir(), "fresh.ftm")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Config(), loaded.Config())

	_, err = loaded.Predict([]string{"great movie"})
	assert.ErrorIs(t, err, ErrNotFitted)
	feats, err := loaded.Featurize([]string{"great movie"})
	require.NoError(t, err)
	assert.Len(t, feats[0], loaded.Config().EmbedDim)
}

func TestConfigLabelsAllowPredictBeforeFit(t *testing.T) {
	m := tinyModel(t, func(c *Config) { c.Labels = []string{"pos", "neg"} })
	probs, err := m.Predict([]string{"fine"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, probs[0]["pos"]+probs[0]["neg"], 1e-6)
}

func TestDivergence(t *testing.T) {
	m := tinyModel(t, func(c *Config) {
		c.LearningRate = 1e300
		c.Schedule = "warmup_constant"
		c.BatchSize = 4
		c.NEpochs = 1
	})
	_, err := m.Fit(context.Background(), movieX, movieY)
	var div *DivergenceError
	require.True(t, errors.As(err, &div), "got %v", err)
	assert.Equal(t, "pre-fit", div.Restored)

	probs, err := m.Predict(movieX)
	require.NoError(t, err)
	for _, p := range probs {
		assert.False(t, math.IsNaN(p["pos"]))
		assert.InDelta(t, 1.0, p["pos"]+p["neg"], 1e-6)
	}
}

func TestFitFieldsThenPredict(t *testing.T) {
	rows := [][]string{
		{"what did you think", "great movie"},
		{"what did you think", "terrible film"},
		{"any good", "loved it"},
		{"any good", "hated it"},
	}
	m := tinyModel(t)
	_, err := m.FitFields(context.Background(), rows, movieY, WithValidationFields(rows[:2], movieY[:2]))
	require.NoError(t, err)

	probs, err := m.PredictFields(rows)
	require.NoError(t, err)
	require.Len(t, probs, len(rows))
	for _, p := range probs {
		assert.InDelta(t, 1.0, p["pos"]+p["neg"], 1e-6)
	}

	feats, err := m.FeaturizeFields(rows[:1])
	require.NoError(t, err)
	assert.Len(t, feats[0], m.Config().EmbedDim)

	_, err = m.PredictFields([][]string{{"fine", ""}})
	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 0, encErr.Index)
}

func TestFitRejectsEmptyInput(t *testing.T) {
	m := tinyModel(t)
	_, err := m.Fit(context.Background(), nil, nil)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestConcurrentFitIsRejected(t *testing.T) {
	m := tinyModel(t)
	var nested error
	var during []map[string]float64
	_, err := m.Fit(context.Background(), movieX, movieY, WithProgress(func(p Progress) {
		if p.Step == 1 && !p.EpochDone {
			_, nested = m.Fit(context.Background(), movieX, movieY)
			during, _ = m.Predict([]string{"loved it"})
		}
	}))
	require.NoError(t, err)

	var cerr *ConcurrentTrainingError
	assert.True(t, errors.As(nested, &cerr))
	assert.Len(t, during, 1)

	_, err = m.Fit(context.Background(), movieX, movieY)
	assert.NoError(t, err, "the flag is released when a fit returns")
}

func TestCancelledFit(t *testing.T) {
	m := tinyModel(t, func(c *Config) { c.NEpochs = 3 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hist, err := m.Fit(ctx, movieX, movieY)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, hist.Len())
}

func TestPredictReportsBadIndex(t *testing.T) {
	m := fitted(t)
	_, err := m.Predict([]string{"fine", "  "})
	var enc *EncodingError
	require.True(t, errors.As(err, &enc))
	assert.Equal(t, 1, enc.Index)
	assert.Equal(t, "predict", enc.Phase)
}

func TestPredictSeq(t *testing.T) {
	m := fitted(t)
	want, err := m.Predict(movieX)
	require.NoError(t, err)

	var got []map[string]float64
	for p, err := range m.PredictSeq(movieX) {
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, want, got)

	n := 0
	var last error
	for _, err := range m.PredictSeq([]string{"fine", "", "never reached"}) {
		n++
		last = err
	}
	assert.Equal(t, 2, n)
	var enc *EncodingError
	require.True(t, errors.As(last, &enc))
	assert.Equal(t, 1, enc.Index)
}

func TestPredictLabels(t *testing.T) {
	m := fitted(t)
	got, err := m.PredictLabels(movieX)
	require.NoError(t, err)
	require.Len(t, got, len(movieX))
	for _, l := range got {
		assert.Contains(t, []string{"pos", "neg"}, l)
	}
}

func TestGenerateKeepsPrompt(t *testing.T) {
	m := tinyModel(t)
	opts := DefaultGenerateOptions()
	opts.MaxTokens = 5
	out, err := m.Generate("hello", opts)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestLanguageModelPretraining(t *testing.T) {
	lm := tinyModel(t)
	_, err := lm.FitLM(context.Background(), append(movieX, "a movie about a film"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lm.ftm")
	require.NoError(t, lm.Save(path))

	clf := tinyModel(t, func(c *Config) { c.PretrainedPath = path })
	feats, err := clf.Featurize([]string{"great movie"})
	require.NoError(t, err)
	want, err := lm.Featurize([]string{"great movie"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want[0], feats[0], 1e-9)
}

func TestNewFromOptions(t *testing.T) {
	m, err := NewFromOptions(map[string]any{"embed_dim": 8, "num_heads": 2, "ffn_dim": 16, "num_layers": 1})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Config().EmbedDim)

	_, err = NewFromOptions(map[string]any{"no_such_option": 1})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestGridSearch(t *testing.T) {
	x := append(append([]string{}, movieX...), "really great", "really terrible", "good fun", "dull mess")
	y := append(append([]string{}, movieY...), "pos", "neg", "pos", "neg")
	grid := map[string][]any{"learning_rate": {1e-3, 1e-2}, "lm_loss_weight": {0.0, 0.5}}

	res, err := GridSearch(context.Background(), TinyConfig(), grid, x, y, 0.25, nil)
	require.NoError(t, err)
	require.Len(t, res.Trials, 4)
	assert.Equal(t, map[string]any{"learning_rate": 1e-3, "lm_loss_weight": 0.0}, res.Trials[0].Options)
	for _, tr := range res.Trials {
		assert.GreaterOrEqual(t, res.Best.Score, tr.Score)
		assert.Equal(t, 1, tr.History.Len())
	}
}

func TestGridSearchValidatesSplit(t *testing.T) {
	_, err := GridSearch(context.Background(), TinyConfig(), nil, movieX, movieY, 0.1, nil)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestAccuracy(t *testing.T) {
	assert.InDelta(t, 0.5, Accuracy([]string{"a", "b"}, []string{"a", "a"}), 1e-12)
	assert.Zero(t, Accuracy(nil, nil))
}
