package backbone

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const lnEps = 1e-5

type lnCache struct {
	xhat   *mat.Dense
	invstd []float64
}

// layerNorm normalizes every row of x and applies gain g and bias b.
func layerNorm(x *mat.Dense, g, b []float64) (*mat.Dense, lnCache) {
	n, d := x.Dims()
	y := mat.NewDense(n, d, nil)
	c := lnCache{xhat: mat.NewDense(n, d, nil), invstd: make([]float64, n)}
	for i := range n {
		row := x.RawRowView(i)
		mu := floats.Sum(row) / float64(d)
		var v float64
		for _, xv := range row {
			v += (xv - mu) * (xv - mu)
		}
		is := 1 / math.Sqrt(v/float64(d)+lnEps)
		c.invstd[i] = is
		xh, yr := c.xhat.RawRowView(i), y.RawRowView(i)
		for j, xv := range row {
			xh[j] = (xv - mu) * is
			yr[j] = g[j]*xh[j] + b[j]
		}
	}
	return y, c
}

func layerNormBackward(dy *mat.Dense, c lnCache, g, dg, db []float64) *mat.Dense {
	n, d := dy.Dims()
	dx := mat.NewDense(n, d, nil)
	dxhat := make([]float64, d)
	for i := range n {
		dyr, xh := dy.RawRowView(i), c.xhat.RawRowView(i)
		var meanD, meanDX float64
		for j := range d {
			dg[j] += dyr[j] * xh[j]
			db[j] += dyr[j]
			dxhat[j] = dyr[j] * g[j]
			meanD += dxhat[j]
			meanDX += dxhat[j] * xh[j]
		}
		meanD /= float64(d)
		meanDX /= float64(d)
		out := dx.RawRowView(i)
		for j := range d {
			out[j] = c.invstd[i] * (dxhat[j] - meanD - xh[j]*meanDX)
		}
	}
	return dx
}

// linear computes x·w + b.
func linear(x mat.Matrix, w *mat.Dense, b []float64) *mat.Dense {
	var y mat.Dense
	y.Mul(x, w)
	addRow(&y, b)
	return &y
}

// linearBackward accumulates dw += xᵀ·dy and db += Σ dy and returns dy·wᵀ.
func linearBackward(x mat.Matrix, w, dy, dw *mat.Dense, db []float64) *mat.Dense {
	var tmp mat.Dense
	tmp.Mul(x.T(), dy)
	dw.Add(dw, &tmp)
	colSum(dy, db)
	var dx mat.Dense
	dx.Mul(dy, w.T())
	return &dx
}

func addRow(m *mat.Dense, b []float64) {
	n, _ := m.Dims()
	for i := range n {
		floats.Add(m.RawRowView(i), b)
	}
}

func colSum(m *mat.Dense, dst []float64) {
	n, _ := m.Dims()
	for i := range n {
		floats.Add(dst, m.RawRowView(i))
	}
}

// dropout zeroes entries of m in place with probability p and rescales the
// survivors. It returns the mask, or nil when nothing was dropped.
func dropout(m *mat.Dense, p float64, rng *rand.Rand) []float64 {
	if p <= 0 || rng == nil {
		return nil
	}
	data := m.RawMatrix().Data
	mask := make([]float64, len(data))
	keep := 1 / (1 - p)
	for i := range data {
		if rng.Float64() >= p {
			mask[i] = keep
		}
		data[i] *= mask[i]
	}
	return mask
}

// applyMask multiplies m in place by a dropout mask.
func applyMask(m *mat.Dense, mask []float64) {
	if mask == nil {
		return
	}
	floats.Mul(m.RawMatrix().Data, mask)
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
}

func geluGrad(x float64) float64 {
	t := math.Tanh(geluC * (x + 0.044715*x*x*x))
	return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*0.044715*x*x)
}

// softmaxRow replaces row[:n] with its softmax and zeroes the rest.
func softmaxRow(row []float64, n int) {
	maxv := floats.Max(row[:n])
	var sum float64
	for j := range n {
		row[j] = math.Exp(row[j] - maxv)
		sum += row[j]
	}
	for j := range n {
		row[j] /= sum
	}
	for j := n; j < len(row); j++ {
		row[j] = 0
	}
}
