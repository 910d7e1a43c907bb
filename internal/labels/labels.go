// Package labels maps class labels to head output indices.
package labels

import (
	"slices"

	"finetune/internal/errs"
)

// Vocabulary is an immutable bidirectional label/index map.
type Vocabulary struct {
	labels []string
	index  map[string]int
}

// New builds a vocabulary from the sorted distinct labels.
func New(raw []string) *Vocabulary {
	sorted := slices.Clone(raw)
	slices.Sort(sorted)
	return FromOrdered(slices.Compact(sorted))
}

// FromOrdered keeps the given order. Duplicates are dropped after their first
// occurrence.
func FromOrdered(ordered []string) *Vocabulary {
	v := &Vocabulary{index: make(map[string]int, len(ordered))}
	for _, l := range ordered {
		if _, ok := v.index[l]; ok {
			continue
		}
		v.index[l] = len(v.labels)
		v.labels = append(v.labels, l)
	}
	return v
}

func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.labels)
}

// Labels returns the labels in index order.
func (v *Vocabulary) Labels() []string {
	if v == nil {
		return nil
	}
	return slices.Clone(v.labels)
}

func (v *Vocabulary) Index(label string) (int, bool) {
	i, ok := v.index[label]
	return i, ok
}

func (v *Vocabulary) Label(i int) string {
	return v.labels[i]
}

// Unknown returns the sorted distinct labels not in the vocabulary.
func (v *Vocabulary) Unknown(raw []string) []string {
	var out []string
	for _, l := range raw {
		if _, ok := v.index[l]; !ok {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Encode maps labels to indices, failing with a LabelMismatchError if any
// label is unknown.
func (v *Vocabulary) Encode(raw []string) ([]int, error) {
	if unknown := v.Unknown(raw); len(unknown) > 0 {
		return nil, &errs.LabelMismatchError{Known: v.Labels(), Unknown: unknown}
	}
	out := make([]int, len(raw))
	for i, l := range raw {
		out[i] = v.index[l]
	}
	return out, nil
}

// Extend returns a new vocabulary that keeps every existing index and
// appends the unseen labels in sorted order.
func (v *Vocabulary) Extend(raw []string) *Vocabulary {
	return FromOrdered(append(v.Labels(), v.Unknown(raw)...))
}

func (v *Vocabulary) Equal(o *Vocabulary) bool {
	return slices.Equal(v.Labels(), o.Labels())
}
