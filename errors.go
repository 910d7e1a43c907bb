package finetune

import "finetune/internal/errs"

// Error types returned by the package. Match them with errors.As.
type (
	EncodingError            = errs.EncodingError
	LabelMismatchError       = errs.LabelMismatchError
	DivergenceError          = errs.DivergenceError
	IncompatibleVersionError = errs.IncompatibleVersionError
	ConcurrentTrainingError  = errs.ConcurrentTrainingError
	OutOfMemoryError         = errs.OutOfMemoryError
	ValidationError          = errs.ValidationError
)

// ErrNotFitted is returned by prediction calls on a model without a label
// vocabulary.
var ErrNotFitted = errs.ErrNotFitted
