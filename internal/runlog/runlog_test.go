package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune/internal/config"
	"finetune/internal/engine"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func history() *engine.History {
	val := 0.4
	acc := 0.75
	return &engine.History{
		Epochs: []engine.EpochMetrics{
			{Epoch: 0, TrainLoss: 1.2, LMLoss: 2, ClfLoss: 0.6, RunningLoss: 1.1, LearningRate: 1e-3, Steps: 4, Duration: 1500 * time.Millisecond, Improved: true},
			{Epoch: 1, TrainLoss: 0.9, LMLoss: 1.5, ClfLoss: 0.4, RunningLoss: 1.0, ValLoss: &val, ValAccuracy: &acc, LearningRate: 5e-4, Steps: 8, Duration: time.Second},
		},
		BestEpoch: 0,
	}
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.StartRun(ctx, "classifier", config.Tiny(), 8)
	require.NoError(t, err)

	h := history()
	for _, m := range h.Epochs {
		require.NoError(t, s.RecordEpoch(ctx, id, m))
	}
	require.NoError(t, s.FinishRun(ctx, id, h, "abc123", "model.ftm", nil))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, run.Status)
	assert.Equal(t, "classifier", run.Kind)
	assert.Equal(t, 8, run.Examples)
	assert.Equal(t, "abc123", run.DataHash)
	assert.Equal(t, "model.ftm", run.Output)
	assert.Equal(t, 0, run.BestEpoch)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, string(run.Config), `"batch_size":2`)

	epochs, err := s.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Nil(t, epochs[0].ValLoss)
	assert.True(t, epochs[0].Improved)
	assert.Equal(t, 1500*time.Millisecond, epochs[0].Duration)
	require.NotNil(t, epochs[1].ValLoss)
	assert.InDelta(t, 0.4, *epochs[1].ValLoss, 1e-12)
	assert.InDelta(t, 0.75, *epochs[1].ValAccuracy, 1e-12)
	assert.Equal(t, 8, epochs[1].Steps)
}

func TestFinishStatuses(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	failed, err := s.StartRun(ctx, "classifier", config.Tiny(), 1)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, failed, nil, "", "", errors.New("boom")))

	cancelled, err := s.StartRun(ctx, "lm", config.Tiny(), 1)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, cancelled, &engine.History{BestEpoch: -1}, "", "", context.Canceled))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byID := map[string]Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, StatusFailed, byID[failed].Status)
	assert.Equal(t, "boom", byID[failed].Error)
	assert.Equal(t, StatusCancelled, byID[cancelled].Status)
	assert.Equal(t, -1, byID[cancelled].BestEpoch)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", nil, "", "", nil), ErrRunNotFound)
}

func TestMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "metrics.json")
	m := NewMetrics("run-1", "classifier", []string{"neg", "pos"}, "abc", history())
	require.NoError(t, SaveMetrics(path, m))

	got, err := LoadMetrics(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, []string{"neg", "pos"}, got.Labels)
	require.Len(t, got.Epochs, 2)
	assert.Equal(t, 0, got.BestEpoch)
	require.NotNil(t, got.Epochs[1].ValAccuracy)

	empty := NewMetrics("", "lm", nil, "", nil)
	assert.Equal(t, -1, empty.BestEpoch)
	assert.NotNil(t, empty.Epochs)
}
