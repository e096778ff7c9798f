package cnn

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/Noofbiz/chessEval/datasets"
)

// Config holds the hyperparameters of the evaluator.
type Config struct {
	// LearningRate of the optimizer. Default 0.0005.
	LearningRate float64
	// DropoutRate before the first dense layer. Default 0.5; negative disables it.
	DropoutRate float64
	// Optimizer is "adam" (default) or "sgd".
	Optimizer string
}

func (c *Config) defaults() error {
	if c.LearningRate == 0 {
		c.LearningRate = 0.0005
	}
	if c.DropoutRate == 0 {
		c.DropoutRate = 0.5
	}
	if c.DropoutRate < 0 {
		c.DropoutRate = 0
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	switch {
	case c.LearningRate < 0:
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.DropoutRate >= 1:
		return fmt.Errorf("dropout rate must be below 1, got %v", c.DropoutRate)
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}

// Evaluator is the convolutional evaluator together with its gomlx trainer.
// The trainer binds the mean-squared-error loss and the optimizer, and
// switches dropout on for training steps only.
type Evaluator struct {
	backend backends.Backend
	ctx     *context.Context
	trainer *train.Trainer
	cfg     Config

	training bool
}

// New builds an evaluator whose graphs run on backend. Variables are created
// on the first step.
func New(backend backends.Backend, cfg Config) (*Evaluator, error) {
	if backend == nil {
		return nil, errors.New("backend is nil")
	}
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	ctx := context.New()
	ctx.SetParam("learning_rate", cfg.LearningRate)

	var opt optimizers.Interface
	if cfg.Optimizer == "sgd" {
		opt = optimizers.StochasticGradientDescent()
	} else {
		opt = optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	}

	trainer := train.NewTrainer(backend, ctx, modelGraph(cfg.DropoutRate), losses.MeanSquaredError, opt, nil, nil)
	return &Evaluator{backend: backend, ctx: ctx, trainer: trainer, cfg: cfg}, nil
}

// SetTraining records the phase. Dropout follows the kind of step, so this
// only guards against steps run in the wrong phase.
func (e *Evaluator) SetTraining(training bool) { e.training = training }

// TrainStep runs one optimizer step on s and returns its loss.
func (e *Evaluator) TrainStep(s datasets.Sample) (float64, error) {
	if !e.training {
		return 0, errors.New("TrainStep called outside the training phase")
	}
	var metrics []*tensors.Tensor
	if err := try(func() {
		metrics = e.trainer.TrainStep(nil, []*tensors.Tensor{s.Input}, []*tensors.Tensor{s.Label})
	}); err != nil {
		return 0, err
	}
	return firstScalar(metrics)
}

// EvalStep returns the loss of s without updating any variable.
func (e *Evaluator) EvalStep(s datasets.Sample) (float64, error) {
	var metrics []*tensors.Tensor
	if err := try(func() {
		metrics = e.trainer.EvalStep(nil, []*tensors.Tensor{s.Input}, []*tensors.Tensor{s.Label})
	}); err != nil {
		return 0, err
	}
	return firstScalar(metrics)
}

// try converts a panic raised by gomlx while building or executing a graph
// into an error.
func try(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("gomlx: %w", e)
				return
			}
			err = fmt.Errorf("gomlx: %v", r)
		}
	}()
	fn()
	return nil
}

func firstScalar(metrics []*tensors.Tensor) (float64, error) {
	if len(metrics) == 0 {
		return 0, errors.New("trainer returned no metrics")
	}
	switch v := metrics[0].Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected loss value %T", v)
	}
}

// variable is one trainable variable in a checkpoint.
type variable struct {
	Name string
	Dims []int
	Data []float32
}

// WriteParams writes every trainable variable, sorted by scope and name,
// with encoding/gob.
func (e *Evaluator) WriteParams(w io.Writer) error {
	var vars []variable
	var err error
	e.ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil || !v.Trainable {
			return
		}
		t := v.Value()
		snap := variable{Name: v.ScopeAndName(), Dims: t.Shape().Dimensions}
		t.ConstFlatData(func(flat any) {
			data, ok := flat.([]float32)
			if !ok {
				err = fmt.Errorf("variable %s has type %T, want []float32", snap.Name, flat)
				return
			}
			snap.Data = append([]float32(nil), data...)
		})
		vars = append(vars, snap)
	})
	if err != nil {
		return err
	}
	if len(vars) == 0 {
		return errors.New("model has no variables yet")
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return gob.NewEncoder(w).Encode(vars)
}
