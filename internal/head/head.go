// Package head implements the classification head: a linear projection of
// the pooled backbone state followed by a softmax over the label vocabulary.
//
// Inference runs on gonum. Training builds a small gorgonia expression graph
// per batch and lets gorgonia differentiate the cross-entropy.
package head

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"finetune/internal/params"
)

const (
	WeightName = "clf.w"
	BiasName   = "clf.b"

	initStd = 0.02
)

// Head holds W [dim x classes] and b [classes].
type Head struct {
	dim, classes int
	p            *params.Set
}

// New allocates a randomly initialized head.
func New(dim, classes int, rng *rand.Rand) *Head {
	h := &Head{dim: dim, classes: classes, p: params.New()}
	h.p.Add(WeightName, dim, classes)
	h.p.Randn(WeightName, initStd, rng)
	h.p.Add(BiasName, classes)
	return h
}

func (h *Head) Params() *params.Set { return h.p }

func (h *Head) Classes() int { return h.classes }

func (h *Head) Dim() int { return h.dim }

// Expand grows the head to classes outputs. Existing columns keep their
// weights; new ones are freshly initialized.
func (h *Head) Expand(classes int, rng *rand.Rand) {
	if classes <= h.classes {
		return
	}
	old := h.p.Mat(WeightName)
	w := make([]float64, h.dim*classes)
	for i := range h.dim {
		for j := range classes {
			if j < h.classes {
				w[i*classes+j] = old.At(i, j)
			} else {
				w[i*classes+j] = rng.NormFloat64() * initStd
			}
		}
	}
	b := make([]float64, classes)
	copy(b, h.p.Data(BiasName))
	h.p.Replace(WeightName, []int{h.dim, classes}, w)
	h.p.Replace(BiasName, []int{classes}, b)
	h.classes = classes
}

// Logits computes pooled·W + b.
func (h *Head) Logits(pooled []float64) []float64 {
	out := make([]float64, h.classes)
	mat.NewVecDense(h.classes, out).MulVec(h.p.Mat(WeightName).T(), mat.NewVecDense(h.dim, pooled))
	floats.Add(out, h.p.Data(BiasName))
	return out
}

// Probabilities is a numerically stable softmax.
func Probabilities(logits []float64) []float64 {
	out := make([]float64, len(logits))
	maxv := floats.Max(logits)
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// Predict returns class probabilities for one pooled state.
func (h *Head) Predict(pooled []float64) []float64 {
	return Probabilities(h.Logits(pooled))
}

// Gradients of the summed batch cross-entropy.
type Gradients struct {
	Loss   float64    // summed negative log-likelihood
	W      []float64  // dim x classes
	B      []float64  // classes
	Pooled *mat.Dense // batch x dim
}

// Step evaluates the summed cross-entropy of a batch of pooled states
// against target class indices and differentiates it with respect to the
// head weights and the pooled inputs.
func (h *Head) Step(pooled *mat.Dense, targets []int) (*Gradients, error) {
	bs, d := pooled.Dims()
	if d != h.dim {
		return nil, fmt.Errorf("head: pooled width %d, want %d", d, h.dim)
	}
	if len(targets) != bs {
		return nil, fmt.Errorf("head: %d targets for %d rows", len(targets), bs)
	}

	onehot := make([]float64, bs*h.classes)
	for i, c := range targets {
		onehot[i*h.classes+c] = 1
	}

	// Row maxima are taken from the current weights and enter the graph as
	// constants; log-softmax is invariant to the shift.
	shift := make([]float64, bs)
	for i := range bs {
		shift[i] = floats.Max(h.Logits(pooled.RawRowView(i)))
	}

	g := G.NewGraph()
	x := matrixNode(g, "x", mat.DenseCopyOf(pooled).RawMatrix().Data, bs, d)
	w := G.NewMatrix(g, tensor.Float64, G.WithShape(d, h.classes), G.WithName("w"), G.WithValue(h.p.Tensor(WeightName)))
	b := matrixNode(g, "b", h.p.Data(BiasName), 1, h.classes)
	colOnes := matrixNode(g, "ones.b", filled(bs, 1), bs, 1)
	rowOnes := matrixNode(g, "ones.c", filled(h.classes, 1), 1, h.classes)
	sumOnes := matrixNode(g, "ones.sum", filled(h.classes, 1), h.classes, 1)
	m := matrixNode(g, "max", shift, bs, 1)
	y := matrixNode(g, "y", onehot, bs, h.classes)

	logits := G.Must(G.Add(G.Must(G.Mul(x, w)), G.Must(G.Mul(colOnes, b))))
	z := G.Must(G.Sub(logits, G.Must(G.Mul(m, rowOnes))))
	lse := G.Must(G.Log(G.Must(G.Mul(G.Must(G.Exp(z)), sumOnes))))
	picked := G.Must(G.Mul(G.Must(G.HadamardProd(z, y)), sumOnes))
	cost := G.Must(G.Sum(G.Must(G.Sub(lse, picked))))

	grads, err := G.Grad(cost, w, b, x)
	if err != nil {
		return nil, fmt.Errorf("head: differentiate: %w", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("head: run graph: %w", err)
	}

	out := &Gradients{
		Loss: scalar(cost.Value()),
		W:    values(grads[0].Value()),
		B:    values(grads[1].Value()),
	}
	out.Pooled = mat.NewDense(bs, d, values(grads[2].Value()))
	return out, nil
}

// matrixNode binds data without copying it.
func matrixNode(g *G.ExprGraph, name string, data []float64, rows, cols int) *G.Node {
	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols), G.WithName(name), G.WithValue(t))
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// values copies the contents of a graph value out of gorgonia's memory.
func values(v G.Value) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return append([]float64(nil), data...)
	case float64:
		return []float64{data}
	default:
		panic(fmt.Sprintf("head: unexpected value type %T", data))
	}
}

func scalar(v G.Value) float64 {
	return values(v)[0]
}
