// Package training drives the epochs of a position evaluator: a gradient
// pass over the training source, a loss-only pass over the evaluation source,
// a checkpoint per epoch, a log line per epoch, and an overfitting guard over
// the trailing validation losses.
package training

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Noofbiz/chessEval/datasets"
)

// Model is a trainable position evaluator. The optimizer and the loss
// function are bound by the model's constructor.
type Model interface {
	// SetTraining switches training-only behavior (such as dropout) on or off.
	SetTraining(training bool)

	// TrainStep runs the forward pass, computes the loss against the label,
	// back-propagates, applies one optimizer step and resets the gradients.
	// It returns the loss before the update.
	TrainStep(s datasets.Sample) (float64, error)

	// EvalStep runs the forward pass and returns the loss. Parameters are
	// not modified.
	EvalStep(s datasets.Sample) (float64, error)

	ParamWriter
}

// ParamWriter serializes a snapshot of all learnable parameters.
type ParamWriter interface {
	WriteParams(w io.Writer) error
}

// Dataset is a restartable source of samples, such as a
// datasets.ChunkedSource.
type Dataset interface {
	Len() int
	Iterate() datasets.Iteration
}

// EpochRecord holds the results of one completed epoch.
type EpochRecord struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
	Time           time.Time
}

func (r EpochRecord) summary(total int) string {
	return fmt.Sprintf("Epoch %d/%d: TRAIN_MSE = %g, TEST_MSE = %g.", r.Epoch, total, r.TrainLoss, r.ValidationLoss)
}

// EpochLogger receives every epoch record as soon as the epoch completes.
type EpochLogger interface {
	Epoch(rec EpochRecord, total int) error
}

// OutcomeKind tells how a run ended.
type OutcomeKind int

const (
	// Completed runs finished every configured epoch.
	Completed OutcomeKind = iota
	// Stopped runs were ended by the overfitting guard.
	Stopped
	// Failed runs were aborted by an error. Epoch counts the epochs that
	// completed before it.
	Failed
)

// Outcome is the result of Loop.Run.
type Outcome struct {
	Kind OutcomeKind
	// Epoch is the last epoch that ran.
	Epoch  int
	Reason string
}

func (o Outcome) String() string {
	switch o.Kind {
	case Stopped:
		return fmt.Sprintf("stopped at epoch %d: %s", o.Epoch, o.Reason)
	case Failed:
		return fmt.Sprintf("failed after %d epochs: %s", o.Epoch, o.Reason)
	}
	return fmt.Sprintf("completed %d epochs", o.Epoch)
}

// ErrAlreadyTrained is returned when the checkpoint directory of a new run
// already exists.
var ErrAlreadyTrained = errors.New("checkpoint directory already exists, the model seems to be trained already")

// IsSetupError reports whether err happened before any epoch could run:
// an existing checkpoint directory, a missing table or an unusable range.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrAlreadyTrained) ||
		errors.Is(err, datasets.ErrSourceNotFound) ||
		errors.Is(err, datasets.ErrInvalidRange) ||
		errors.Is(err, datasets.ErrTableTooShort)
}
