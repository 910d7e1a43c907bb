package engine

import "time"

// EpochMetrics summarizes one pass over the training data.
type EpochMetrics struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	LMLoss       float64       `json:"lm_loss"`
	ClfLoss      float64       `json:"clf_loss"`
	RunningLoss  float64       `json:"running_loss"`
	ValLoss      *float64      `json:"val_loss,omitempty"`
	ValAccuracy  *float64      `json:"val_accuracy,omitempty"`
	LearningRate float64       `json:"learning_rate"`
	Steps        int           `json:"steps"`
	Monitored    float64       `json:"monitored"` // value early stopping compared

	Duration     time.Duration `json:"duration_ns"`
	Improved     bool          `json:"improved"`
}

// History is the per-epoch record of a fit.
type History struct {
	Epochs       []EpochMetrics `json:"epochs"`
	BestEpoch    int            `json:"best_epoch"`
	StoppedEarly bool           `json:"stopped_early"`
	RestoredBest bool           `json:"restored_best"`
}

// Len is the number of completed epochs.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Epochs)
}

// Last returns the metrics of the final completed epoch.
func (h *History) Last() (EpochMetrics, bool) {
	if h.Len() == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Progress is delivered after every batch and again at the end of every
// epoch (with EpochDone set and Metrics filled).
type Progress struct {
	Epoch       int
	Epochs      int
	Batch       int
	Batches     int
	Step        int
	Loss        float64
	RunningLoss float64
	LR          float64
	EpochDone   bool
	Metrics     *EpochMetrics
}
