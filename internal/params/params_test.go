package params

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Set {
	s := New()
	s.Add("w", 2, 3)
	s.Add("b", 3)
	copy(s.Data("w"), []float64{1, 2, 3, 4, 5, 6})
	copy(s.Data("b"), []float64{-1, 0, 1})
	return s
}

func TestMatViewSharesStorage(t *testing.T) {
	s := sample()
	m := s.Mat("w")
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)

	m.Set(1, 2, 42)
	assert.Equal(t, 42.0, s.Data("w")[5])

	row := s.Mat("b")
	r, c = row.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 3, c)
}

func TestTensorSharesStorage(t *testing.T) {
	s := sample()
	tt := s.Tensor("w")
	assert.Equal(t, []int{2, 3}, []int(tt.Shape()))
	s.Data("w")[0] = 9
	assert.Equal(t, 9.0, tt.Data().([]float64)[0])
}

func TestCloneIsDeep(t *testing.T) {
	s := sample()
	c := s.Clone()
	c.Data("w")[0] = 100
	assert.Equal(t, 1.0, s.Data("w")[0])
	assert.Equal(t, s.Names(), c.Names())
	assert.Equal(t, 9, c.Count())
}

func TestCopyFromChecksLayout(t *testing.T) {
	s := sample()
	other := s.ZerosLike()
	require.NoError(t, s.CopyFrom(other))
	assert.Equal(t, 0.0, s.Norm())

	wrong := New()
	wrong.Add("w", 3, 2)
	wrong.Add("b", 3)
	assert.ErrorContains(t, s.CopyFrom(wrong), `"w"`)

	missing := New()
	missing.Add("w", 2, 3)
	missing.Add("c", 3)
	assert.ErrorContains(t, s.CopyFrom(missing), "missing")
}

func TestArithmetic(t *testing.T) {
	s := sample()
	g := s.ZerosLike()
	g.Fill("b", 2)
	s.AddScaled(0.5, g)
	assert.Equal(t, []float64{0, 1, 2}, s.Data("b"))

	g.Scale(0)
	assert.Equal(t, 0.0, g.Norm())

	n := New()
	n.Add("v", 2)
	copy(n.Data("v"), []float64{3, 4})
	assert.InDelta(t, 5, n.Norm(), 1e-12)
}

func TestAllFinite(t *testing.T) {
	s := sample()
	assert.True(t, s.AllFinite())
	s.Data("b")[1] = math.NaN()
	assert.False(t, s.AllFinite())
	s.Data("b")[1] = math.Inf(1)
	assert.False(t, s.AllFinite())
}

func TestMergeSharesAndRejectsDuplicates(t *testing.T) {
	a := sample()
	b := New()
	b.Add("clf.w", 3, 2)

	m := Merge(a, nil, b)
	assert.Equal(t, []string{"w", "b", "clf.w"}, m.Names())
	m.Data("clf.w")[0] = 7
	assert.Equal(t, 7.0, b.Data("clf.w")[0])

	assert.Panics(t, func() { Merge(a, a) })
}

func TestReplaceAndShapes(t *testing.T) {
	s := sample()
	s.Replace("b", []int{4}, []float64{1, 2, 3, 4})
	assert.Equal(t, []int{4}, s.Shape("b"))
	assert.Equal(t, map[string][]int{"w": {2, 3}, "b": {4}}, s.Shapes())
	assert.True(t, s.IsVector("b"))
	assert.False(t, s.IsVector("w"))
	assert.Panics(t, func() { s.Replace("b", []int{4}, []float64{1}) })
}

func TestRandomInitIsSeeded(t *testing.T) {
	a, b := sample(), sample()
	a.Randn("w", 0.02, rand.New(rand.NewSource(1)))
	b.Randn("w", 0.02, rand.New(rand.NewSource(1)))
	assert.Equal(t, a.Data("w"), b.Data("w"))

	a.Uniform("b", 0.1, rand.New(rand.NewSource(2)))
	for _, v := range a.Data("b") {
		assert.LessOrEqual(t, math.Abs(v), 0.1)
	}
}
