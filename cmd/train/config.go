package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Noofbiz/chessEval/datasets"
	"github.com/Noofbiz/chessEval/training"
)

// config is the merged run configuration. JSON files use the same keys.
type config struct {
	Epochs       int     `json:"epochs"`
	TrainLen     int     `json:"train_len"`
	EvalLen      int     `json:"eval_len"`
	ChunkSize    int     `json:"chunk_size"`
	Weights      string  `json:"weights"`
	Table        string  `json:"table"`
	NoHeader     bool    `json:"no_header"`
	Planes       int     `json:"planes"`
	LearningRate float64 `json:"learning_rate"`
	Optimizer    string  `json:"optimizer"`
	Dropout      float64 `json:"dropout"`
	Device       string  `json:"device"`
	Model        string  `json:"model"`
	Hidden       []int   `json:"hidden"`
	Seed         int64   `json:"seed"`
	StopWindow   int     `json:"stop_window"`
	LogDir       string  `json:"log_dir"`
	Plot         string  `json:"plot"`
	Progress     bool    `json:"progress"`

	ConfigPath string `json:"-"`
	PrintOnly  bool   `json:"-"`
}

func defaultConfig() config {
	return config{
		Epochs:       300,
		TrainLen:     81,
		EvalLen:      100000,
		ChunkSize:    datasets.DefaultChunkSize,
		Weights:      "./weights",
		Table:        "./TANH_NORM_CHESS_DATASET.csv",
		Planes:       datasets.DefaultPlanes,
		LearningRate: 0.0005,
		Optimizer:    "adam",
		Dropout:      0.5,
		Device:       "auto",
		Model:        "cnn",
		Hidden:       []int{64},
		StopWindow:   training.DefaultStopWindow,
		LogDir:       ".",
		Progress:     true,
	}
}

// intList is a comma-separated list of ints, e.g. "64,32".
type intList struct{ p *[]int }

func (l intList) String() string {
	if l.p == nil {
		return ""
	}
	parts := make([]string, len(*l.p))
	for i, v := range *l.p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l intList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid size %q", part)
		}
		out = append(out, v)
	}
	*l.p = out
	return nil
}

func newFlagSet(cfg *config) *flag.FlagSet {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to a JSON file with tunables; flags set on the command line win")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	fs.IntVar(&cfg.TrainLen, "train-len", cfg.TrainLen, "number of table rows used for training, starting at row 0")
	fs.IntVar(&cfg.EvalLen, "eval-len", cfg.EvalLen, "number of table rows used for validation, following the training rows")
	fs.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "number of rows parsed and transferred together")
	fs.StringVar(&cfg.Weights, "weights", cfg.Weights, "checkpoint directory; must not exist")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "pipe-separated position table")
	fs.BoolVar(&cfg.NoHeader, "no-header", cfg.NoHeader, "the table has no header line")
	fs.IntVar(&cfg.Planes, "planes", cfg.Planes, "number of board planes per row")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "optimizer learning rate")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: 'adam' or 'sgd'")
	fs.Float64Var(&cfg.Dropout, "dropout", cfg.Dropout, "dropout rate during training")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device: 'auto', 'accelerator' or 'host'")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "evaluator: 'cnn' or 'simple'")
	fs.Var(intList{&cfg.Hidden}, "hidden", "hidden layer sizes of the simple model, e.g. 64,32")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed of the simple model (0 = time based)")
	fs.IntVar(&cfg.StopWindow, "stop-window", cfg.StopWindow, "stop when the validation loss exceeds this many previous epochs (negative disables)")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory of the run log")
	fs.StringVar(&cfg.Plot, "plot", cfg.Plot, "if set, write the loss curves to this image file")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "draw a progress bar during training")
	fs.BoolVar(&cfg.PrintOnly, "print-effective-config", cfg.PrintOnly, "print the effective (JSON+CLI merged) configuration and exit")
	return fs
}

// loadConfig merges the defaults, the optional JSON file and the command
// line, in that order.
func loadConfig(args []string, stderr io.Writer) (config, error) {
	// first pass only finds -config
	first := defaultConfig()
	fs := newFlagSet(&first)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := defaultConfig()
	if first.ConfigPath != "" {
		data, err := os.ReadFile(first.ConfigPath)
		if err != nil {
			return config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("failed to parse config %s: %w", first.ConfigPath, err)
		}
	}

	fs = newFlagSet(&cfg)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.TrainLen <= 0 || c.EvalLen <= 0:
		return fmt.Errorf("%w: train-len %d, eval-len %d", datasets.ErrInvalidRange, c.TrainLen, c.EvalLen)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk must be positive, got %d", c.ChunkSize)
	case c.Planes <= 0:
		return fmt.Errorf("planes must be positive, got %d", c.Planes)
	case c.Weights == "":
		return fmt.Errorf("weights directory is required")
	case c.Model != "cnn" && c.Model != "simple":
		return fmt.Errorf("unknown model %q, want 'cnn' or 'simple'", c.Model)
	}
	return nil
}

func (c config) print(w io.Writer) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Effective configuration:\n%s\n", data)
	return err
}
