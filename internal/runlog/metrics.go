package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"finetune/internal/engine"
)

// Metrics is the JSON document written next to a trained model.
type Metrics struct {
	RunID        string                `json:"run_id,omitempty"`
	Kind         string                `json:"kind"`
	Labels       []string              `json:"labels,omitempty"`
	DataHash     string                `json:"data_hash,omitempty"`
	Epochs       []engine.EpochMetrics `json:"epochs"`
	BestEpoch    int                   `json:"best_epoch"`
	StoppedEarly bool                  `json:"stopped_early"`
	RestoredBest bool                  `json:"restored_best"`
	WrittenAt    time.Time             `json:"written_at"`
}

// NewMetrics summarizes a fit history.
func NewMetrics(runID, kind string, labels []string, dataHash string, h *engine.History) Metrics {
	m := Metrics{RunID: runID, Kind: kind, Labels: labels, DataHash: dataHash, BestEpoch: -1, WrittenAt: time.Now().UTC()}
	if h != nil {
		m.Epochs = h.Epochs
		m.BestEpoch = h.BestEpoch
		m.StoppedEarly = h.StoppedEarly
		m.RestoredBest = h.RestoredBest
	}
	if m.Epochs == nil {
		m.Epochs = []engine.EpochMetrics{}
	}
	return m
}

// SaveMetrics writes metrics as indented JSON, creating parent directories.
func SaveMetrics(path string, metrics Metrics) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(metrics); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return f.Close()
}

// LoadMetrics reads a file written by SaveMetrics.
func LoadMetrics(path string) (Metrics, error) {
	var m Metrics
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse metrics %s: %w", path, err)
	}
	return m, nil
}
