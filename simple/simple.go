package simple

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/Noofbiz/chessEval/datasets"
)

// Config holds configurable hyperparameters for the MLP evaluator.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. Example: []int{64, 32}
	// If empty, a single hidden layer of size 64 will be used.
	HiddenSizes []int

	// Planes is the number of 8x8 board planes of each input. If zero,
	// datasets.DefaultPlanes is used.
	Planes int

	// LearningRate used by the optimizer (SGD or Adam).
	LearningRate float64

	// Seed controls RNG for weight init and dropout. If zero, time-based seed is used.
	Seed int64

	// Optimizer selects the optimizer to use: "adam" or "sgd". Default: "adam".
	Optimizer string

	// Adam hyperparameters (used when Optimizer == "adam"; defaults below if zero).
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm is the global gradient norm threshold. Negative disables clipping.
	ClipNorm float32

	// DropoutRate is the fraction of hidden activations dropped in training mode.
	DropoutRate float64
}

// Model is a small configurable MLP evaluating a board position. Inputs are
// the flattened planes of a datasets.Sample and the single output is squashed
// by tanh into [-1, 1], matching the label range. It trains one sample at a
// time on mean-squared error, entirely on the host.
type Model struct {
	// Config used for training / initialization.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1
	weights [][][]float32

	// biases[l] is a vector of length out for layer l -> l+1
	biases [][]float32

	// Adam moments, shaped like weights and biases.
	mW, vW [][][]float32
	mB, vB [][]float32
	step   int

	training bool

	// rng used for weight initialization and dropout masks
	rng *rand.Rand
}

// NewModel creates a new Model instance with the provided configuration.
// It initializes weights (small random values) and is ready to train.
func NewModel(cfg Config) (*Model, error) {
	// defaults
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.Planes == 0 {
		cfg.Planes = datasets.DefaultPlanes
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.0005
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = "adam"
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.ClipNorm == 0 {
		cfg.ClipNorm = 1.0
	}

	switch {
	case cfg.Optimizer != "adam" && cfg.Optimizer != "sgd":
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	case cfg.LearningRate < 0:
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	case cfg.DropoutRate < 0 || cfg.DropoutRate >= 1:
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", cfg.DropoutRate)
	case cfg.Planes < 0:
		return nil, fmt.Errorf("planes must be positive, got %d", cfg.Planes)
	}
	for _, h := range cfg.HiddenSizes {
		if h <= 0 {
			return nil, fmt.Errorf("hidden layer sizes must be positive, got %v", cfg.HiddenSizes)
		}
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	const outputDim = 1
	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.Planes*datasets.BoardSize*datasets.BoardSize)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, outputDim)
	m.layerSizes = sizes

	m.weights, m.biases = m.zeroParams()
	for l := range m.weights {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		for _, row := range m.weights[l] {
			for i := range row {
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit
			}
		}
	}
	m.mW, m.mB = m.zeroParams()
	m.vW, m.vB = m.zeroParams()
	return m, nil
}

// zeroParams allocates zeroed weights and biases shaped after layerSizes.
func (m *Model) zeroParams() ([][][]float32, [][]float32) {
	L := len(m.layerSizes) - 1
	w := make([][][]float32, L)
	b := make([][]float32, L)
	for l := 0; l < L; l++ {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		w[l] = make([][]float32, out)
		for j := range w[l] {
			w[l][j] = make([]float32, in)
		}
		b[l] = make([]float32, out)
	}
	return w, b
}

// SetTraining enables dropout for TrainStep.
func (m *Model) SetTraining(training bool) { m.training = training }

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// pass holds what backprop needs from one forward pass.
type pass struct {
	preActs [][]float32
	// acts[0] is the input, acts[L] the tanh output.
	acts [][]float32
	// masks[l] scales the hidden activation acts[l+1]; nil without dropout.
	masks [][]float32
}

// forwardSingle runs the network on one input vector. Dropout is applied to
// hidden activations only when dropout is true.
func (m *Model) forwardSingle(input []float32, dropout bool) (*pass, error) {
	if len(input) != m.layerSizes[0] {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), m.layerSizes[0])
	}
	rate := float32(m.Config.DropoutRate)
	dropout = dropout && rate > 0

	L := len(m.weights)
	p := &pass{
		preActs: make([][]float32, L),
		acts:    make([][]float32, L+1),
		masks:   make([][]float32, L),
	}
	p.acts[0] = input
	for l := 0; l < L; l++ {
		in := p.acts[l]
		pre := make([]float32, len(m.biases[l]))
		for j, row := range m.weights[l] {
			sum := m.biases[l][j]
			for i, w := range row {
				sum += w * in[i]
			}
			pre[j] = sum
		}
		p.preActs[l] = pre

		act := make([]float32, len(pre))
		copy(act, pre)
		if l == L-1 {
			for j := range act {
				act[j] = float32(math.Tanh(float64(act[j])))
			}
		} else {
			activationReLU(act)
			if dropout {
				// inverted dropout keeps the expected activation unchanged
				mask := make([]float32, len(act))
				for j := range act {
					if m.rng.Float32() >= rate {
						mask[j] = 1 / (1 - rate)
					}
					act[j] *= mask[j]
				}
				p.masks[l] = mask
			}
		}
		p.acts[l+1] = act
	}
	return p, nil
}

// sampleInput flattens the [1, planes, 8, 8] input of s in row-major order.
func sampleInput(s datasets.Sample) ([]float32, error) {
	if s.Input == nil {
		return nil, errors.New("sample has no input")
	}
	batch, ok := s.Input.Value().([][][][]float32)
	if !ok || len(batch) != 1 {
		return nil, fmt.Errorf("unexpected input shape %v", s.Input.Shape())
	}
	var flat []float32
	for _, plane := range batch[0] {
		for _, row := range plane {
			flat = append(flat, row...)
		}
	}
	return flat, nil
}

func sampleLabel(s datasets.Sample) (float32, error) {
	if s.Label == nil {
		return 0, errors.New("sample has no label")
	}
	v, ok := s.Label.Value().([][]float32)
	if !ok || len(v) != 1 || len(v[0]) != 1 {
		return 0, fmt.Errorf("unexpected label shape %v", s.Label.Shape())
	}
	return v[0][0], nil
}

// Predict returns the evaluation of a position, without dropout.
func (m *Model) Predict(s datasets.Sample) (float32, error) {
	input, err := sampleInput(s)
	if err != nil {
		return 0, err
	}
	p, err := m.forwardSingle(input, false)
	if err != nil {
		return 0, err
	}
	return p.acts[len(p.acts)-1][0], nil
}

// EvalStep returns the squared error of the prediction for s. Parameters are
// left untouched.
func (m *Model) EvalStep(s datasets.Sample) (float64, error) {
	label, err := sampleLabel(s)
	if err != nil {
		return 0, err
	}
	pred, err := m.Predict(s)
	if err != nil {
		return 0, err
	}
	d := float64(pred - label)
	return d * d, nil
}

// TrainStep runs a forward pass on s, back-propagates the squared error and
// applies one optimizer update. It returns the loss before the update.
func (m *Model) TrainStep(s datasets.Sample) (float64, error) {
	input, err := sampleInput(s)
	if err != nil {
		return 0, err
	}
	label, err := sampleLabel(s)
	if err != nil {
		return 0, err
	}
	p, err := m.forwardSingle(input, m.training)
	if err != nil {
		return 0, err
	}

	out := p.acts[len(p.acts)-1][0]
	diff := out - label
	loss := float64(diff) * float64(diff)

	// Gradients start from zero on every step.
	gradW, gradB := m.zeroParams()

	// dLoss/dPre = 2*(pred - label) * tanh'(pre)
	delta := []float32{2 * diff * (1 - out*out)}
	for l := len(m.weights) - 1; l >= 0; l-- {
		in := p.acts[l]
		for j, d := range delta {
			gradB[l][j] += d
			for i, a := range in {
				gradW[l][j][i] += d * a
			}
		}
		if l == 0 {
			break
		}

		// propagate delta to the previous (hidden) layer
		prev := make([]float32, len(in))
		for i := range prev {
			var sum float32
			for j, d := range delta {
				sum += m.weights[l][j][i] * d
			}
			if p.preActs[l-1][i] <= 0 {
				sum = 0
			}
			if mask := p.masks[l-1]; mask != nil {
				sum *= mask[i]
			}
			prev[i] = sum
		}
		delta = prev
	}

	m.clip(gradW, gradB)
	m.apply(gradW, gradB)
	return loss, nil
}

// clip rescales the gradients so their global L2 norm is at most ClipNorm.
func (m *Model) clip(gradW [][][]float32, gradB [][]float32) {
	if m.Config.ClipNorm <= 0 {
		return
	}
	var sq float64
	for l := range gradW {
		for j := range gradW[l] {
			for _, g := range gradW[l][j] {
				sq += float64(g) * float64(g)
			}
			sq += float64(gradB[l][j]) * float64(gradB[l][j])
		}
	}
	norm := math.Sqrt(sq)
	if norm <= float64(m.Config.ClipNorm) {
		return
	}
	scale := float32(float64(m.Config.ClipNorm) / norm)
	for l := range gradW {
		for j := range gradW[l] {
			for i := range gradW[l][j] {
				gradW[l][j][i] *= scale
			}
			gradB[l][j] *= scale
		}
	}
}

func (m *Model) apply(gradW [][][]float32, gradB [][]float32) {
	lr := m.Config.LearningRate
	if m.Config.Optimizer == "sgd" {
		for l := range gradW {
			for j := range gradW[l] {
				for i, g := range gradW[l][j] {
					m.weights[l][j][i] -= float32(lr) * g
				}
				m.biases[l][j] -= float32(lr) * gradB[l][j]
			}
		}
		return
	}

	m.step++
	b1, b2, eps := m.Config.Beta1, m.Config.Beta2, m.Config.Epsilon
	c1 := 1 - math.Pow(b1, float64(m.step))
	c2 := 1 - math.Pow(b2, float64(m.step))
	adam := func(p, mom, vel *float32, g float32) {
		*mom = float32(b1*float64(*mom) + (1-b1)*float64(g))
		*vel = float32(b2*float64(*vel) + (1-b2)*float64(g)*float64(g))
		mHat := float64(*mom) / c1
		vHat := float64(*vel) / c2
		*p -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
	}
	for l := range gradW {
		for j := range gradW[l] {
			for i, g := range gradW[l][j] {
				adam(&m.weights[l][j][i], &m.mW[l][j][i], &m.vW[l][j][i], g)
			}
			adam(&m.biases[l][j], &m.mB[l][j], &m.vB[l][j], gradB[l][j])
		}
	}
}

// snapshot is the gob payload of a checkpoint.
type snapshot struct {
	LayerSizes []int
	Weights    [][][]float32
	Biases     [][]float32
}

// WriteParams writes the layer sizes, weights and biases with encoding/gob.
func (m *Model) WriteParams(w io.Writer) error {
	return gob.NewEncoder(w).Encode(snapshot{
		LayerSizes: m.layerSizes,
		Weights:    m.weights,
		Biases:     m.biases,
	})
}

// ReadParams restores parameters written by WriteParams. The layer sizes must
// match the model's.
func (m *Model) ReadParams(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if !slices.Equal(snap.LayerSizes, m.layerSizes) {
		return fmt.Errorf("checkpoint has layers %v, model has %v", snap.LayerSizes, m.layerSizes)
	}
	if err := m.checkShapes(snap.Weights, snap.Biases); err != nil {
		return fmt.Errorf("malformed checkpoint: %w", err)
	}
	m.weights, m.biases = snap.Weights, snap.Biases
	return nil
}

// checkShapes verifies that w and b are shaped after the model's layer sizes.
func (m *Model) checkShapes(w [][][]float32, b [][]float32) error {
	L := len(m.layerSizes) - 1
	if len(w) != L || len(b) != L {
		return fmt.Errorf("%d weight and %d bias layers, want %d", len(w), len(b), L)
	}
	for l := range L {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		if len(w[l]) != out || len(b[l]) != out {
			return fmt.Errorf("layer %d has %d weight rows and %d biases, want %d", l, len(w[l]), len(b[l]), out)
		}
		for j, row := range w[l] {
			if len(row) != in {
				return fmt.Errorf("layer %d row %d has %d weights, want %d", l, j, len(row), in)
			}
		}
	}
	return nil
}
