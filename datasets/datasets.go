package datasets

import (
	"iter"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// This file defines the types shared by the chess position sources.
//
// A position table is a pipe-separated text file. Each data row holds
// Planes board fields followed by one label field:
//
//	p0|p1|...|p13|label
//	[[0, 0, ...], ...]|...|0.25
//
// Every board field is an 8x8 nested numeric literal and the label is the
// ground-truth evaluation in [-1, 1]. The first line is a header unless the
// source is opened with Options.NoHeader.
//
// Sources never read the whole table unless the requested range is small
// enough to be kept resident (evaluation mode). Larger ranges (training mode)
// are read chunk by chunk, each chunk parsed and placed on the target device
// at the moment it is requested.

const (
	// BoardSize is the height and width of every board plane.
	BoardSize = 8

	// DefaultPlanes is the number of board planes of the standard encoding.
	DefaultPlanes = 14

	// DefaultChunkSize is the number of rows parsed and transferred together.
	DefaultChunkSize = 9

	// Delimiter separates the fields of a table row.
	Delimiter = '|'
)

// Sample is one encoded board position and its evaluation.
//
// Input is shaped [1, planes, 8, 8] and Label is shaped [1, 1], both float32.
// The leading axis is a batch of one so the tensors can be fed to a model
// as they are.
type Sample struct {
	Input *tensors.Tensor
	Label *tensors.Tensor
}

// Chunk is an ordered group of samples read from a contiguous region of a
// table.
type Chunk []Sample

// Mode tells how a source yields its samples.
type Mode int

const (
	// EvaluationMode sources parse their whole range at construction and
	// yield resident samples.
	EvaluationMode Mode = iota
	// TrainingMode sources yield chunks parsed on demand.
	TrainingMode
)

func (m Mode) String() string {
	switch m {
	case EvaluationMode:
		return "evaluation"
	case TrainingMode:
		return "training"
	}
	return "unknown"
}

// Iteration is the result of one pass over a source. It is either
// EvaluationSamples or TrainingChunks, and which one is fixed for the
// lifetime of the source.
type Iteration interface {
	Mode() Mode
	iteration()
}

// EvaluationSamples yields the resident samples of an evaluation-mode source.
type EvaluationSamples struct {
	samples []Sample
}

func (EvaluationSamples) Mode() Mode { return EvaluationMode }
func (EvaluationSamples) iteration() {}

// Len returns the number of samples.
func (e EvaluationSamples) Len() int { return len(e.samples) }

// All yields every sample once, in table order.
func (e EvaluationSamples) All() iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		for _, s := range e.samples {
			if !yield(s) {
				return
			}
		}
	}
}

// TrainingChunks yields the chunks of a training-mode source.
type TrainingChunks struct {
	src *ChunkedSource
}

func (TrainingChunks) Mode() Mode { return TrainingMode }
func (TrainingChunks) iteration() {}

// Count returns the number of chunks a full pass yields.
func (t TrainingChunks) Count() int {
	n := t.src.Len()
	return (n + t.src.chunkSize - 1) / t.src.chunkSize
}

// All parses and yields the chunks in order. Every pass opens the table
// again, and a chunk is only parsed when the loop asks for it. Iteration
// stops at the first error, which is yielded with a nil chunk.
func (t TrainingChunks) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		rows, err := t.src.openRows()
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for i := range t.Count() {
			from, to := t.src.chunkBounds(i)
			chunk, err := rows.region(from, to)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Flatten yields every sample of an iteration regardless of its mode.
func Flatten(it Iteration) iter.Seq2[Sample, error] {
	return func(yield func(Sample, error) bool) {
		switch it := it.(type) {
		case EvaluationSamples:
			for s := range it.All() {
				if !yield(s, nil) {
					return
				}
			}
		case TrainingChunks:
			for chunk, err := range it.All() {
				if err != nil {
					yield(Sample{}, err)
					return
				}
				for _, s := range chunk {
					if !yield(s, nil) {
						return
					}
				}
			}
		}
	}
}

// Device is where freshly parsed tensors are placed. Models assume their
// inputs already reside on the device they compute on.
type Device interface {
	Name() string
	Place(t *tensors.Tensor) error
}

// HostDevice keeps tensors in host memory.
type HostDevice struct{}

func (HostDevice) Name() string                { return "host" }
func (HostDevice) Place(*tensors.Tensor) error { return nil }
