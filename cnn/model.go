// Package cnn is the convolutional position evaluator, built and trained
// with gomlx.
//
// The network reads the [batch, planes, 8, 8] board encoding and outputs one
// evaluation per board in [-1, 1]:
//
//	conv 3x3 (28) -> relu -> max pool 2
//	conv 3x3 (56) -> relu -> max pool 2
//	flatten (224) -> dropout -> dense (28) -> relu -> dense (1) -> tanh
//
// Convolutions are a constant patch gather followed by a dense layer, and
// pooling is a reshape followed by a max reduction. Both only need gradients
// of dot products, reshapes and reductions, so the graph trains on every
// backend, simplego included.
package cnn

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/Noofbiz/chessEval/datasets"
)

const (
	convFilters1 = 28
	convFilters2 = 56
	hiddenUnits  = 28
	kernelSize   = 3
	poolWindow   = 2
)

// modelGraph builds the forward pass. Dropout is only active while the
// trainer runs a training step.
func modelGraph(dropoutRate float64) func(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return func(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
		x := inputs[0]
		dims := x.Shape().Dimensions
		batch, planes := dims[0], dims[1]
		size := datasets.BoardSize

		// [batch, square, channel], squares in row-major order
		x = graph.TransposeAllDims(x, 0, 2, 3, 1)
		x = graph.Reshape(x, batch, size*size, planes)

		x = convolve(ctx.In("conv_1"), x, size, convFilters1)
		x = activations.Relu(x)
		x = maxPool(x, size)
		size /= poolWindow

		x = convolve(ctx.In("conv_2"), x, size, convFilters2)
		x = activations.Relu(x)
		x = maxPool(x, size)

		x = graph.Reshape(x, batch, -1)
		if dropoutRate > 0 {
			x = layers.Dropout(ctx.In("dropout"), x, graph.ConstAsDType(x.Graph(), x.DType(), dropoutRate))
		}

		x = layers.Dense(ctx.In("dense_1"), x, true, hiddenUnits)
		x = activations.Relu(x)
		x = layers.Dense(ctx.In("dense_2"), x, true, 1)
		return []*graph.Node{graph.Tanh(x)}
	}
}

// convolve applies a same-padded kernelSize x kernelSize convolution to
// x shaped [batch, size*size, channels] and returns
// [batch, size*size, filters].
func convolve(ctx *context.Context, x *graph.Node, size, filters int) *graph.Node {
	dims := x.Shape().Dimensions
	batch, channels := dims[0], dims[2]
	taps := kernelSize * kernelSize

	gather := graph.Const(x.Graph(), patchMatrix(size, kernelSize))
	if gather.DType() != x.DType() {
		gather = graph.ConvertDType(gather, x.DType())
	}
	x = graph.Einsum("pq,bqc->bpc", gather, x)
	x = graph.Reshape(x, batch*size*size, taps*channels)
	x = layers.Dense(ctx, x, true, filters)
	return graph.Reshape(x, batch, size*size, filters)
}

// maxPool takes the maximum of each poolWindow x poolWindow block of x shaped
// [batch, size*size, channels].
func maxPool(x *graph.Node, size int) *graph.Node {
	dims := x.Shape().Dimensions
	batch, channels := dims[0], dims[2]
	half := size / poolWindow
	x = graph.Reshape(x, batch, half, poolWindow, half, poolWindow, channels)
	x = graph.ReduceMax(x, 2, 4)
	return graph.Reshape(x, batch, half*half, channels)
}

// patchMatrix returns the 0/1 matrix that gathers the kernel x kernel
// neighborhood of every square of a size x size board. Row
// (square*kernel+di)*kernel+dj selects the square at offset (di, dj) from the
// kernel center; rows falling off the board are zero.
func patchMatrix(size, kernel int) [][]float32 {
	half := kernel / 2
	m := make([][]float32, 0, size*size*kernel*kernel)
	for row := range size {
		for col := range size {
			for di := range kernel {
				for dj := range kernel {
					r := make([]float32, size*size)
					i, j := row+di-half, col+dj-half
					if i >= 0 && i < size && j >= 0 && j < size {
						r[i*size+j] = 1
					}
					m = append(m, r)
				}
			}
		}
	}
	return m
}
