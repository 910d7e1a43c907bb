// Package errs defines the error taxonomy shared by the finetuning packages.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrNotFitted is returned by inference calls on a model without a label vocabulary.
var ErrNotFitted = errors.New("model has no label vocabulary: fit it or construct it with labels")

// EncodingError reports text that cannot be turned into a token sequence.
type EncodingError struct {
	Phase  string // fit, validation, predict, ...
	Index  int    // offending example, -1 when not part of a batch
	Reason string
}

func (e *EncodingError) Error() string {
	var b strings.Builder
	b.WriteString("encoding")
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s)", e.Phase)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " example %d", e.Index)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// LabelMismatchError is returned when a fit introduces labels unknown to an
// existing vocabulary and no rebuild was requested.
type LabelMismatchError struct {
	Known   []string
	Unknown []string
}

func (e *LabelMismatchError) Error() string {
	return fmt.Sprintf("label mismatch: labels %q are not in the fitted vocabulary %q (request a vocabulary rebuild to extend it)",
		e.Unknown, e.Known)
}

// DivergenceError aborts a fit whose loss or gradients became non-finite.
type DivergenceError struct {
	Epoch    int
	Batch    int
	Loss     float64
	Restored string // which weights the model holds afterwards
}

func (e *DivergenceError) Error() string {
	msg := fmt.Sprintf("training diverged at epoch %d batch %d (loss %v)", e.Epoch, e.Batch, e.Loss)
	if e.Restored != "" {
		msg += "; restored " + e.Restored + " weights"
	}
	return msg
}

// IncompatibleVersionError is returned by Load when a bundle was written by a
// different format version or backbone architecture.
type IncompatibleVersionError struct {
	Path  string
	Field string
	Got   string
	Want  string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible bundle %s: %s is %q, expected %q", e.Path, e.Field, e.Got, e.Want)
}

// ConcurrentTrainingError is returned when Fit is called while another Fit is
// running on the same model.
type ConcurrentTrainingError struct{}

func (*ConcurrentTrainingError) Error() string {
	return "concurrent training: a fit is already running on this model"
}

// OutOfMemoryError is returned when a batch does not fit the configured
// memory budget. It is never retried with a smaller batch.
type OutOfMemoryError struct {
	BatchSize int
	Required  uint64
	Limit     uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: batch of %d needs about %s, limit is %s; reduce batch_size",
		e.BatchSize, humanize.IBytes(e.Required), humanize.IBytes(e.Limit))
}

// ValidationError reports an invalid option or argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
