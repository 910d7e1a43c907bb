// Package params stores named float64 tensors.
//
// Every trainable weight of a model lives in a Set under a stable name such
// as "h0.attn.w_qkv". Gradients and optimizer moments are Sets with the same
// names and shapes, so the optimizer and the bundle format never need to know
// which component a tensor belongs to.
package params

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Set is an ordered collection of named dense tensors.
type Set struct {
	index   map[string]int
	entries []entry
}

type entry struct {
	name  string
	shape []int
	data  []float64
	t     *tensor.Dense
}

func New() *Set {
	return &Set{index: make(map[string]int)}
}

// Add allocates a zero tensor. Adding a name twice panics.
func (s *Set) Add(name string, shape ...int) *tensor.Dense {
	return s.Put(name, shape, make([]float64, size(shape)))
}

// Put registers data with the given shape under name. The tensor shares
// storage with data.
func (s *Set) Put(name string, shape []int, data []float64) *tensor.Dense {
	if _, ok := s.index[name]; ok {
		panic(fmt.Sprintf("params: duplicate tensor %q", name))
	}
	e := newEntry(name, shape, data)
	s.index[name] = len(s.entries)
	s.entries = append(s.entries, e)
	return e.t
}

// Replace swaps the storage behind an existing name.
func (s *Set) Replace(name string, shape []int, data []float64) {
	i, ok := s.index[name]
	if !ok {
		panic(fmt.Sprintf("params: unknown tensor %q", name))
	}
	s.entries[i] = newEntry(name, shape, data)
}

func newEntry(name string, shape []int, data []float64) entry {
	if size(shape) != len(data) {
		panic(fmt.Sprintf("params: %q has shape %v but %d values", name, shape, len(data)))
	}
	shape = slices.Clone(shape)
	return entry{
		name:  name,
		shape: shape,
		data:  data,
		t:     tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
	}
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (s *Set) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *Set) get(name string) *entry {
	i, ok := s.index[name]
	if !ok {
		panic(fmt.Sprintf("params: unknown tensor %q", name))
	}
	return &s.entries[i]
}

// Tensor returns the tensor stored under name. Unknown names panic: they
// are programming errors, not data errors.
func (s *Set) Tensor(name string) *tensor.Dense {
	return s.get(name).t
}

// Data returns the backing slice of a tensor.
func (s *Set) Data(name string) []float64 {
	return s.get(name).data
}

// Mat returns a matrix view sharing storage with the tensor. Vectors are
// viewed as a single row.
func (s *Set) Mat(name string) *mat.Dense {
	e := s.get(name)
	switch len(e.shape) {
	case 1:
		return mat.NewDense(1, e.shape[0], e.data)
	case 2:
		return mat.NewDense(e.shape[0], e.shape[1], e.data)
	default:
		panic(fmt.Sprintf("params: %q has rank %d", name, len(e.shape)))
	}
}

func (s *Set) Shape(name string) []int {
	return slices.Clone(s.get(name).shape)
}

func (s *Set) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.name
	}
	return names
}

func (s *Set) Len() int {
	return len(s.entries)
}

// Count is the total number of scalar parameters.
func (s *Set) Count() int {
	n := 0
	for _, e := range s.entries {
		n += len(e.data)
	}
	return n
}

// Shapes maps every name to its shape.
func (s *Set) Shapes() map[string][]int {
	out := make(map[string][]int, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = slices.Clone(e.shape)
	}
	return out
}

// Each visits tensors in insertion order.
func (s *Set) Each(fn func(name string, shape []int, data []float64)) {
	for _, e := range s.entries {
		fn(e.name, e.shape, e.data)
	}
}

// ZerosLike returns a Set with the same names and shapes, all zero.
func (s *Set) ZerosLike() *Set {
	out := New()
	for _, e := range s.entries {
		out.Add(e.name, e.shape...)
	}
	return out
}

// Clone deep-copies every tensor.
func (s *Set) Clone() *Set {
	out := New()
	for _, e := range s.entries {
		out.Put(e.name, e.shape, slices.Clone(e.data))
	}
	return out
}

// CopyFrom overwrites values in place. Both sets must hold the same names
// with the same shapes.
func (s *Set) CopyFrom(o *Set) error {
	if err := s.sameLayout(o); err != nil {
		return err
	}
	for _, e := range s.entries {
		copy(e.data, o.Data(e.name))
	}
	return nil
}

func (s *Set) sameLayout(o *Set) error {
	if len(s.entries) != len(o.entries) {
		return fmt.Errorf("params: %d tensors, other has %d", len(s.entries), len(o.entries))
	}
	for _, e := range s.entries {
		j, ok := o.index[e.name]
		if !ok {
			return fmt.Errorf("params: tensor %q missing", e.name)
		}
		if !slices.Equal(e.shape, o.entries[j].shape) {
			return fmt.Errorf("params: tensor %q has shape %v, other has %v", e.name, e.shape, o.entries[j].shape)
		}
	}
	return nil
}

// AddScaled accumulates alpha*o into s for every tensor of o.
func (s *Set) AddScaled(alpha float64, o *Set) {
	for _, e := range o.entries {
		floats.AddScaled(s.Data(e.name), alpha, e.data)
	}
}

func (s *Set) Scale(alpha float64) {
	for _, e := range s.entries {
		floats.Scale(alpha, e.data)
	}
}

func (s *Set) Zero() {
	for _, e := range s.entries {
		clear(e.data)
	}
}

// Norm is the global L2 norm across every tensor.
func (s *Set) Norm() float64 {
	var sum float64
	for _, e := range s.entries {
		sum += floats.Dot(e.data, e.data)
	}
	return math.Sqrt(sum)
}

func (s *Set) AllFinite() bool {
	for _, e := range s.entries {
		for _, v := range e.data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Randn fills a tensor with N(0, std²) samples.
func (s *Set) Randn(name string, std float64, rng *rand.Rand) {
	d := s.Data(name)
	for i := range d {
		d[i] = rng.NormFloat64() * std
	}
}

// Uniform fills a tensor with samples from [-scale, scale).
func (s *Set) Uniform(name string, scale float64, rng *rand.Rand) {
	d := s.Data(name)
	for i := range d {
		d[i] = (rng.Float64()*2 - 1) * scale
	}
}

func (s *Set) Fill(name string, v float64) {
	d := s.Data(name)
	for i := range d {
		d[i] = v
	}
}

// Merge returns a Set that shares the storage of every input. Names must be
// unique across inputs.
func Merge(sets ...*Set) *Set {
	out := New()
	for _, s := range sets {
		if s == nil {
			continue
		}
		for _, e := range s.entries {
			if _, dup := out.index[e.name]; dup {
				panic(fmt.Sprintf("params: duplicate tensor %q", e.name))
			}
			out.index[e.name] = len(out.entries)
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// IsVector reports whether a tensor is rank one (biases, LayerNorm gains).
func (s *Set) IsVector(name string) bool {
	return len(s.get(name).shape) == 1
}
