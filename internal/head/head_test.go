package head

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestProbabilitiesSumToOne(t *testing.T) {
	p := Probabilities([]float64{1000, 1001, -5})
	assert.InDelta(t, 1, floats.Sum(p), 1e-12)
	assert.Greater(t, p[1], p[0])
}

func TestPredictMatchesManualSoftmax(t *testing.T) {
	h := New(3, 2, rand.New(rand.NewSource(1)))
	copy(h.Params().Data(WeightName), []float64{1, 0, 0, 1, 1, 1})
	copy(h.Params().Data(BiasName), []float64{0.5, -0.5})

	logits := h.Logits([]float64{1, 2, 3})
	assert.InDeltaSlice(t, []float64{4.5, 4.5}, logits, 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, h.Predict([]float64{1, 2, 3}), 1e-12)
}

func TestStepMatchesAnalyticGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := New(4, 3, rng)
	h.Params().Randn(BiasName, 0.5, rng)

	pooled := mat.NewDense(5, 4, nil)
	pooled.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, pooled)
	targets := []int{0, 2, 1, 2, 0}

	got, err := h.Step(pooled, targets)
	require.NoError(t, err)

	// d(-Σ log softmax)/dlogits = P - Y
	delta := mat.NewDense(5, 3, nil)
	var loss float64
	for i := range 5 {
		p := h.Predict(pooled.RawRowView(i))
		loss -= math.Log(p[targets[i]])
		p[targets[i]]--
		delta.SetRow(i, p)
	}
	var dW, dX mat.Dense
	dW.Mul(pooled.T(), delta)
	dX.Mul(delta, h.Params().Mat(WeightName).T())
	dB := make([]float64, 3)
	for i := range 5 {
		floats.Add(dB, delta.RawRowView(i))
	}

	assert.InDelta(t, loss, got.Loss, 1e-9)
	assert.InDeltaSlice(t, dW.RawMatrix().Data, got.W, 1e-9)
	assert.InDeltaSlice(t, dB, got.B, 1e-9)
	assert.InDeltaSlice(t, dX.RawMatrix().Data, got.Pooled.RawMatrix().Data, 1e-9)
}

func TestStepValidatesShapes(t *testing.T) {
	h := New(4, 2, rand.New(rand.NewSource(1)))
	_, err := h.Step(mat.NewDense(2, 3, nil), []int{0, 1})
	assert.Error(t, err)
	_, err = h.Step(mat.NewDense(2, 4, nil), []int{0})
	assert.Error(t, err)
}

func TestExpandKeepsExistingColumns(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h := New(2, 2, rng)
	copy(h.Params().Data(BiasName), []float64{0.1, 0.2})
	before := mat.DenseCopyOf(h.Params().Mat(WeightName))

	h.Expand(4, rng)
	assert.Equal(t, 4, h.Classes())
	assert.Equal(t, []int{2, 4}, h.Params().Shape(WeightName))
	after := h.Params().Mat(WeightName)
	for i := range 2 {
		for j := range 2 {
			assert.Equal(t, before.At(i, j), after.At(i, j))
		}
	}
	assert.Equal(t, []float64{0.1, 0.2, 0, 0}, h.Params().Data(BiasName))

	h.Expand(3, rng)
	assert.Equal(t, 4, h.Classes())
}
