package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingErrorMessage(t *testing.T) {
	err := &EncodingError{Phase: "predict", Index: 3, Reason: "text is empty"}
	assert.Equal(t, "encoding (predict) example 3: text is empty", err.Error())

	single := &EncodingError{Index: -1, Reason: "text is empty"}
	assert.Equal(t, "encoding: text is empty", single.Error())
}

func TestErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("fit: %w", &DivergenceError{Epoch: 1, Batch: 2, Loss: 1})

	var div *DivergenceError
	require.True(t, errors.As(wrapped, &div))
	assert.Equal(t, 1, div.Epoch)
	assert.Equal(t, 2, div.Batch)
	assert.Contains(t, wrapped.Error(), "epoch 1 batch 2")
}

func TestOutOfMemoryMessageIsHumanReadable(t *testing.T) {
	err := &OutOfMemoryError{BatchSize: 64, Required: 3 << 30, Limit: 1 << 30}
	assert.Contains(t, err.Error(), "3.0 GiB")
	assert.Contains(t, err.Error(), "1.0 GiB")
}

func TestInvalid(t *testing.T) {
	err := Invalid("batch_size", "must be positive, got %d", 0)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "batch_size", verr.Field)
	assert.Equal(t, "invalid batch_size: must be positive, got 0", err.Error())
}
