package finetune

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"

	"finetune/internal/config"
	"finetune/internal/errs"
)

// ScoreFunc rates predicted labels against the truth. Higher is better.
type ScoreFunc func(predicted, truth []string) float64

// Accuracy is the fraction of predictions equal to the truth.
func Accuracy(predicted, truth []string) float64 {
	if len(truth) == 0 {
		return 0
	}
	hits := 0
	for i := range truth {
		if predicted[i] == truth[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}

// Trial is one grid point and its held-out score.
type Trial struct {
	Options map[string]any
	Config  Config
	Score   float64
	History *History
}

// GridResult lists every trial in grid order. Best is the first trial with
// the highest score.
type GridResult struct {
	Best   Trial
	Trials []Trial
}

// GridSearch fits one model per point of the Cartesian product of grid over
// base, each on the same seeded train/test split, and scores its test-set
// predictions with score (Accuracy when nil). Grid keys are option names as
// accepted by ConfigFromMap.
func GridSearch(ctx context.Context, base Config, grid map[string][]any, texts, labels []string,
	testSize float64, score ScoreFunc, opts ...Option) (*GridResult, error) {
	if len(texts) != len(labels) {
		return nil, errs.Invalid("labels", "got %d labels for %d texts", len(labels), len(texts))
	}
	if !(testSize > 0 && testSize < 1) {
		return nil, errs.Invalid("test_size", "must be in (0, 1), got %v", testSize)
	}
	nTest := int(math.Floor(float64(len(texts)) * testSize))
	if nTest < 1 || nTest >= len(texts) {
		return nil, errs.Invalid("test_size", "%v leaves no train or test examples out of %d", testSize, len(texts))
	}
	if score == nil {
		score = Accuracy
	}

	trainX, trainY, testX, testY := splitExamples(texts, labels, nTest, base.Seed)
	points, err := gridPoints(grid)
	if err != nil {
		return nil, err
	}

	res := &GridResult{}
	for i, point := range points {
		cfg, err := config.FromMapOver(base, point)
		if err != nil {
			return nil, fmt.Errorf("grid point %d: %w", i, err)
		}
		m, err := New(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("grid point %d: %w", i, err)
		}
		hist, err := m.Fit(ctx, trainX, trainY)
		if err != nil {
			return res, fmt.Errorf("grid point %d: %w", i, err)
		}
		pred, err := m.PredictLabels(testX)
		if err != nil {
			return res, fmt.Errorf("grid point %d: %w", i, err)
		}
		t := Trial{Options: point, Config: cfg, Score: score(pred, testY), History: hist}
		if len(res.Trials) == 0 || t.Score > res.Best.Score {
			res.Best = t
		}
		res.Trials = append(res.Trials, t)
	}
	return res, nil
}

func splitExamples(texts, labels []string, nTest int, seed int64) (trainX, trainY, testX, testY []string) {
	perm := rand.New(rand.NewSource(seed)).Perm(len(texts))
	for k, i := range perm {
		if k < nTest {
			testX, testY = append(testX, texts[i]), append(testY, labels[i])
			continue
		}
		trainX, trainY = append(trainX, texts[i]), append(trainY, labels[i])
	}
	return trainX, trainY, testX, testY
}

// gridPoints expands grid into option maps, iterating keys in sorted order
// with the last key varying fastest. An empty grid has the single empty
// point.
func gridPoints(grid map[string][]any) ([]map[string]any, error) {
	keys := slices.Sorted(maps.Keys(grid))
	points := []map[string]any{{}}
	for _, k := range keys {
		values := grid[k]
		if len(values) == 0 {
			return nil, errs.Invalid("grid", "option %q has no values", k)
		}
		next := make([]map[string]any, 0, len(points)*len(values))
		for _, p := range points {
			for _, v := range values {
				q := maps.Clone(p)
				q[k] = v
				next = append(next, q)
			}
		}
		points = next
	}
	return points, nil
}
