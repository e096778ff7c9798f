// Command train fits a position evaluator on a chess position table.
//
// The first train-len rows of the table are the training set and the next
// eval-len rows the validation set. After each epoch the parameters are saved
// to the weights directory and one line is appended to the run log. Training
// stops early once the validation loss exceeds each of the previous
// stop-window epochs.
//
// Exit codes: 0 all epochs completed, 1 training failed, 2 setup error
// (bad flags, existing weights directory, missing or short table), 3 stopped
// early on overfitting.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Noofbiz/chessEval/cnn"
	"github.com/Noofbiz/chessEval/datasets"
	"github.com/Noofbiz/chessEval/lossplot"
	"github.com/Noofbiz/chessEval/simple"
	"github.com/Noofbiz/chessEval/training"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitSetup   = 2
	exitStopped = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		return exitSetup
	}
	if err := cfg.print(stdout); err != nil {
		log.Printf("failed to print configuration: %v", err)
	}
	if cfg.PrintOnly {
		return exitOK
	}

	// Refuse to start before the slow steps if the weights are already there.
	if _, err := os.Stat(cfg.Weights); err == nil {
		log.Printf("%v: %s", training.ErrAlreadyTrained, cfg.Weights)
		return exitSetup
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to check weights directory: %v", err)
		return exitSetup
	}

	rows, err := datasets.CountRows(cfg.Table, !cfg.NoHeader)
	if err != nil {
		log.Printf("failed to read table: %v", err)
		return exitCode(err)
	}
	if need := cfg.TrainLen + cfg.EvalLen; need > rows {
		log.Printf("%v: %s has %d rows, %d needed", datasets.ErrTableTooShort, cfg.Table, rows, need)
		return exitSetup
	}
	log.Printf("Position table %s: %d rows", cfg.Table, rows)

	model, device, err := buildModel(cfg)
	if err != nil {
		log.Printf("failed to build model: %v", err)
		return exitSetup
	}
	log.Printf("Model %s on device %s", cfg.Model, device.Name())

	opts := datasets.Options{ChunkSize: cfg.ChunkSize, Planes: cfg.Planes, NoHeader: cfg.NoHeader, Device: device}
	trainSrc, err := datasets.NewChunkedSource(cfg.Table, 0, cfg.TrainLen, opts)
	if err != nil {
		log.Printf("failed to open training rows: %v", err)
		return exitCode(err)
	}
	evalSrc, err := datasets.NewChunkedSource(cfg.Table, cfg.TrainLen, cfg.TrainLen+cfg.EvalLen, opts)
	if err != nil {
		log.Printf("failed to open validation rows: %v", err)
		return exitCode(err)
	}
	log.Printf("Training rows: %d (%s), validation rows: %d (%s)",
		trainSrc.Len(), trainSrc.Mode(), evalSrc.Len(), evalSrc.Mode())

	runID := uuid.NewString()
	runLog, err := training.OpenRunLog(cfg.LogDir, runID)
	if err != nil {
		log.Printf("failed to open run log: %v", err)
		return exitSetup
	}
	defer runLog.Close()
	log.Printf("Run %s, logging to %s", runID, runLog.Path())

	loop, err := training.NewLoop(trainSrc, evalSrc, model, training.Config{
		Epochs:        cfg.Epochs,
		CheckpointDir: cfg.Weights,
		StopWindow:    cfg.StopWindow,
		Console:       stdout,
		Progress:      cfg.Progress,
		Log:           runLog,
	})
	if err != nil {
		log.Printf("failed to set up training: %v", err)
		return exitCode(err)
	}

	if err := runLog.Start(time.Now()); err != nil {
		log.Printf("failed to write run log: %v", err)
		return exitFailure
	}
	outcome, runErr := loop.Run()

	if cfg.Plot != "" && len(loop.Records()) > 0 {
		if err := lossplot.Save(cfg.Plot, loop.Records()); err != nil {
			log.Printf("failed to plot losses: %v", err)
		} else {
			log.Printf("Loss curves written to %s", cfg.Plot)
		}
	}

	if runErr != nil {
		log.Printf("Training %s", outcome)
		return exitFailure
	}
	if outcome.Kind == training.Stopped {
		if err := runLog.Stopped(outcome); err != nil {
			log.Printf("failed to write run log: %v", err)
		}
	}
	if err := runLog.Stop(time.Now()); err != nil {
		log.Printf("failed to write run log: %v", err)
		return exitFailure
	}

	log.Printf("Run %s %s", runID, outcome)
	if outcome.Kind == training.Stopped {
		return exitStopped
	}
	return exitOK
}

func buildModel(cfg config) (training.Model, datasets.Device, error) {
	switch cfg.Model {
	case "simple":
		m, err := simple.NewModel(simple.Config{
			HiddenSizes:  cfg.Hidden,
			Planes:       cfg.Planes,
			LearningRate: cfg.LearningRate,
			Optimizer:    cfg.Optimizer,
			Seed:         cfg.Seed,
			DropoutRate:  cfg.Dropout,
		})
		return m, datasets.HostDevice{}, err
	case "cnn":
		backend, err := cnn.OpenBackend(cfg.Device)
		if err != nil {
			return nil, nil, err
		}
		dropout := cfg.Dropout
		if dropout == 0 {
			dropout = -1
		}
		m, err := cnn.New(backend, cnn.Config{
			LearningRate: cfg.LearningRate,
			DropoutRate:  dropout,
			Optimizer:    cfg.Optimizer,
		})
		return m, cnn.Device{Backend: backend}, err
	}
	return nil, nil, fmt.Errorf("unknown model %q", cfg.Model)
}

func exitCode(err error) int {
	if training.IsSetupError(err) {
		return exitSetup
	}
	return exitFailure
}
