package labels

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune/internal/errs"
)

func TestNewSortsAndDeduplicates(t *testing.T) {
	v := New([]string{"pos", "neg", "pos", "neutral"})
	assert.Equal(t, []string{"neg", "neutral", "pos"}, v.Labels())
	i, ok := v.Index("pos")
	require.True(t, ok)
	assert.Equal(t, 2, i)
	assert.Equal(t, "neg", v.Label(0))
}

func TestEncode(t *testing.T) {
	v := New([]string{"a", "b"})
	ids, err := v.Encode([]string{"b", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1}, ids)

	_, err = v.Encode([]string{"a", "z", "c", "z"})
	var mismatch *errs.LabelMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, []string{"c", "z"}, mismatch.Unknown)
	assert.Equal(t, []string{"a", "b"}, mismatch.Known)
}

func TestExtendKeepsIndices(t *testing.T) {
	v := New([]string{"pos", "neg"})
	w := v.Extend([]string{"pos", "mixed", "angry"})
	assert.Equal(t, []string{"neg", "pos", "angry", "mixed"}, w.Labels())
	assert.Equal(t, []string{"neg", "pos"}, v.Labels())
	assert.False(t, v.Equal(w))
	assert.True(t, v.Equal(FromOrdered([]string{"neg", "pos"})))
}

func TestNilVocabulary(t *testing.T) {
	var v *Vocabulary
	assert.Zero(t, v.Len())
	assert.Nil(t, v.Labels())
}
