package training

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Noofbiz/chessEval/datasets"
)

// Config holds the tunables of a Loop.
type Config struct {
	// Epochs is the number of epochs to run unless the run is stopped early.
	Epochs int
	// CheckpointDir is created by NewLoop and must not exist yet.
	CheckpointDir string
	// StopWindow is the number of trailing validation losses the overfitting
	// guard compares against. Zero means DefaultStopWindow; a negative value
	// disables the guard.
	StopWindow int
	// Console receives the per-epoch summary lines and the progress bar.
	// Nil discards them.
	Console io.Writer
	// Progress draws a progress bar over the training samples of each epoch.
	Progress bool
	// Log receives every epoch record. Nil disables it.
	Log EpochLogger
	// Clock returns the time stamped on each record. Nil means time.Now.
	Clock func() time.Time
}

// Loop trains a Model over a training source and scores it over an
// evaluation source, one epoch at a time.
type Loop struct {
	train, eval Dataset
	model       Model
	cfg         Config
	checkpoints *CheckpointDir

	records []EpochRecord
	history []float64
	saved   []string
}

// NewLoop validates the configuration and creates the checkpoint directory.
// It fails with ErrAlreadyTrained if the directory already exists.
func NewLoop(train, eval Dataset, model Model, cfg Config) (*Loop, error) {
	switch {
	case train == nil || eval == nil:
		return nil, errors.New("training and evaluation sources are required")
	case model == nil:
		return nil, errors.New("model is required")
	case cfg.Epochs <= 0:
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	case cfg.CheckpointDir == "":
		return nil, errors.New("checkpoint directory is required")
	case train.Len() == 0:
		return nil, errors.New("training source is empty")
	case eval.Len() == 0:
		return nil, errors.New("evaluation source is empty")
	}
	if cfg.StopWindow == 0 {
		cfg.StopWindow = DefaultStopWindow
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	dir, err := CreateCheckpointDir(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	return &Loop{train: train, eval: eval, model: model, cfg: cfg, checkpoints: dir}, nil
}

// Records returns the records of the epochs completed so far.
func (l *Loop) Records() []EpochRecord { return l.records }

// Checkpoints returns the paths of the checkpoints written so far, in epoch
// order.
func (l *Loop) Checkpoints() []string { return l.saved }

// Run executes the epochs. An error aborts the run with a Failed outcome; the
// checkpoints and log lines of completed epochs are kept. Early stopping is
// not an error and is reported through the Outcome.
func (l *Loop) Run() (Outcome, error) {
	total := l.cfg.Epochs
	for epoch := 1; epoch <= total; epoch++ {
		trainLoss, err := l.trainEpoch(epoch)
		if err != nil {
			return failed(epoch-1, fmt.Errorf("epoch %d: training: %w", epoch, err))
		}
		valLoss, err := l.evalEpoch()
		if err != nil {
			return failed(epoch-1, fmt.Errorf("epoch %d: validation: %w", epoch, err))
		}

		rec := EpochRecord{Epoch: epoch, TrainLoss: trainLoss, ValidationLoss: valLoss, Time: l.cfg.Clock()}
		l.records = append(l.records, rec)
		fmt.Fprintln(l.cfg.Console, rec.summary(total))
		if l.cfg.Log != nil {
			if err := l.cfg.Log.Epoch(rec, total); err != nil {
				return failed(epoch, err)
			}
		}

		path, err := l.checkpoints.Save(epoch, l.model)
		if err != nil {
			return failed(epoch, err)
		}
		l.saved = append(l.saved, path)

		l.history = append(l.history, valLoss)
		if Overfitting(l.history, l.cfg.StopWindow) {
			reason := fmt.Sprintf("validation loss %g exceeds each of the previous %d epochs", valLoss, l.cfg.StopWindow)
			log.Printf("Stopping early at epoch %d: %s", epoch, reason)
			return Outcome{Kind: Stopped, Epoch: epoch, Reason: reason}, nil
		}
	}
	return Outcome{Kind: Completed, Epoch: total}, nil
}

// failed reports a run aborted by err after completed epochs.
func failed(completed int, err error) (Outcome, error) {
	return Outcome{Kind: Failed, Epoch: completed, Reason: err.Error()}, err
}

func (l *Loop) trainEpoch(epoch int) (float64, error) {
	l.model.SetTraining(true)

	var bar *progressbar.ProgressBar
	if l.cfg.Progress {
		bar = progressbar.NewOptions(l.train.Len(),
			progressbar.OptionSetWriter(l.cfg.Console),
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch, l.cfg.Epochs)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	var sum float64
	for s, err := range datasets.Flatten(l.train.Iterate()) {
		if err != nil {
			return 0, err
		}
		loss, err := l.model.TrainStep(s)
		if err != nil {
			return 0, err
		}
		sum += loss
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return sum / float64(l.train.Len()), nil
}

func (l *Loop) evalEpoch() (float64, error) {
	l.model.SetTraining(false)

	var sum float64
	for s, err := range datasets.Flatten(l.eval.Iterate()) {
		if err != nil {
			return 0, err
		}
		loss, err := l.model.EvalStep(s)
		if err != nil {
			return 0, err
		}
		sum += loss
	}
	return sum / float64(l.eval.Len()), nil
}
