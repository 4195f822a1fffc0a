// Package prim wraps the backend's native convolution primitives in the
// narrow vocabulary the lowering targets: forward convolution with only
// "valid" or symmetric "same" padding, and transposed convolution that takes
// the output shape as an explicit argument. Asymmetric or lower-aligned
// padding is not part of this vocabulary; the lowering emulates it with
// explicit pad and slice operations around these calls.
//
// Kernels are always given with spatial axes leading and the two channel axes
// trailing: [spatial..., inputChannels, outputChannels] for Conv and
// [spatial..., outputChannels, inputChannels] for ConvTranspose.
package prim

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Padding is the padding vocabulary of the native convolution primitives.
type Padding int

const (
	// Valid applies no padding.
	Valid Padding = iota
	// Same pads so that the output spatial size is ceil(input/stride), with
	// any odd padding amount going to the end of the axis.
	Same
)

// String implements fmt.Stringer.
func (p Padding) String() string {
	switch p {
	case Valid:
		return "Valid"
	case Same:
		return "Same"
	}
	return "InvalidPadding"
}

// axesConfig returns the convolution axes for a data tensor that is
// channel-first ([batch, channels, spatial...]) or channel-last
// ([batch, spatial..., channels]), with the kernel laid out as
// [spatial..., inputChannels, outputChannels]. Output axes mirror the input.
func axesConfig(rank int, channelsFirst bool) backends.ConvolveAxesConfig {
	numSpatial := rank - 2
	var axes backends.ConvolveAxesConfig
	axes.InputBatch = 0
	axes.OutputBatch = 0
	if channelsFirst {
		axes.InputChannels = 1
		axes.OutputChannels = 1
	} else {
		axes.InputChannels = rank - 1
		axes.OutputChannels = rank - 1
	}
	axes.InputSpatial = make([]int, numSpatial)
	axes.OutputSpatial = make([]int, numSpatial)
	axes.KernelSpatial = make([]int, numSpatial)
	for i := 0; i < numSpatial; i++ {
		if channelsFirst {
			axes.InputSpatial[i] = i + 2
			axes.OutputSpatial[i] = i + 2
		} else {
			axes.InputSpatial[i] = i + 1
			axes.OutputSpatial[i] = i + 1
		}
		axes.KernelSpatial[i] = i
	}
	axes.KernelInputChannels = numSpatial
	axes.KernelOutputChannels = numSpatial + 1
	return axes
}

// onesIfNil returns values unchanged when set, or an all-ones slice of the
// given length. ConvGeneral's shape checks reject nil stride and dilation
// slices instead of defaulting them.
func onesIfNil(values []int, length int) []int {
	if values != nil {
		return values
	}
	ones := make([]int, length)
	for i := range ones {
		ones[i] = 1
	}
	return ones
}

// gatherDims returns the dimensions of the given axes, in order.
func gatherDims(axes []int, dims []int) []int {
	selected := make([]int, len(axes))
	for i, axis := range axes {
		selected[i] = dims[axis]
	}
	return selected
}

// samePaddings computes the per-axis padding for Same mode: the output size
// is ceil(input/stride) and an odd total padding puts the extra unit at the
// end of the axis.
//
// Note this diverges from the graph package's ConvolutionBuilder.PadSame,
// which pads (k-1)/2, k/2 regardless of stride.
func samePaddings(inputSpatial, kernelSpatial, strides, dilations []int) [][2]int {
	paddings := make([][2]int, len(inputSpatial))
	for i, inputSize := range inputSpatial {
		stride, dilation := 1, 1
		if len(strides) > 0 {
			stride = strides[i]
		}
		if len(dilations) > 0 {
			dilation = dilations[i]
		}
		effectiveKernel := (kernelSpatial[i]-1)*dilation + 1
		outputSize := (inputSize + stride - 1) / stride
		total := (outputSize-1)*stride + effectiveKernel - inputSize
		if total < 0 {
			total = 0
		}
		paddings[i][0] = total / 2
		paddings[i][1] = total - total/2
	}
	return paddings
}

// Conv is the native forward convolution: kernel shaped
// [spatial..., inputChannels, outputChannels], padding restricted to Valid or
// Same. Strides and dilations may be nil for all-ones.
func Conv(x, kernel *Node, channelsFirst bool, padding Padding, strides, dilations []int) *Node {
	rank := x.Rank()
	if kernel.Rank() != rank {
		exceptions.Panicf("prim.Conv: kernel rank %d does not match input rank %d", kernel.Rank(), rank)
	}
	axes := axesConfig(rank, channelsFirst)
	numSpatial := rank - 2
	var paddings [][2]int
	if padding == Same {
		inputSpatial := gatherDims(axes.InputSpatial, x.Shape().Dimensions)
		kernelSpatial := gatherDims(axes.KernelSpatial, kernel.Shape().Dimensions)
		paddings = samePaddings(inputSpatial, kernelSpatial, strides, dilations)
	}
	strides = onesIfNil(strides, numSpatial)
	dilations = onesIfNil(dilations, numSpatial)
	inputDilations := onesIfNil(nil, numSpatial)
	return ConvGeneral(x, kernel, axes, strides, paddings, inputDilations, dilations, 1, 1)
}

// ConvTranspose is the native transposed convolution: kernel shaped
// [spatial..., outputChannels, inputChannels], padding restricted to Valid or
// Same. The full output shape (in the same layout as x) is an explicit
// argument; its batch and channel entries are validated, and its spatial
// entries determine the internal padding.
//
// It is expressed as a forward convolution over the stride-dilated input with
// the spatially reversed kernel.
func ConvTranspose(x, kernel *Node, channelsFirst bool, padding Padding, outputDims []int, strides []int) *Node {
	rank := x.Rank()
	numSpatial := rank - 2
	if numSpatial < 1 || numSpatial > 3 {
		exceptions.Panicf("prim.ConvTranspose: no primitive for %d spatial axes", numSpatial)
	}
	if kernel.Rank() != rank {
		exceptions.Panicf("prim.ConvTranspose: kernel rank %d does not match input rank %d", kernel.Rank(), rank)
	}
	if len(outputDims) != rank {
		exceptions.Panicf("prim.ConvTranspose: output shape has %d dimensions, input has rank %d", len(outputDims), rank)
	}

	axes := axesConfig(rank, channelsFirst)
	// The kernel carries [spatial..., out, in]: point the axes at them
	// directly instead of transposing the kernel.
	axes.KernelOutputChannels = numSpatial
	axes.KernelInputChannels = numSpatial + 1

	batch := x.Shape().Dim(axes.InputBatch)
	if outputDims[axes.OutputBatch] != batch {
		exceptions.Panicf("prim.ConvTranspose: output batch %d does not match input batch %d",
			outputDims[axes.OutputBatch], batch)
	}
	outputChannels := kernel.Shape().Dim(axes.KernelOutputChannels)
	if outputDims[axes.OutputChannels] != outputChannels {
		exceptions.Panicf("prim.ConvTranspose: output channels %d do not match kernel output channels %d",
			outputDims[axes.OutputChannels], outputChannels)
	}

	inputSpatial := gatherDims(axes.InputSpatial, x.Shape().Dimensions)
	kernelSpatial := gatherDims(axes.KernelSpatial, kernel.Shape().Dimensions)
	outputSpatial := gatherDims(axes.OutputSpatial, outputDims)

	paddings := make([][2]int, numSpatial)
	for i := range paddings {
		stride := 1
		if len(strides) > 0 {
			stride = strides[i]
		}
		kernelSize := kernelSpatial[i]
		dilatedInput := stride*(inputSpatial[i]-1) + 1
		total := outputSpatial[i] + kernelSize - 1 - dilatedInput
		begin := kernelSize - 1
		if padding == Same {
			forwardTotal := kernelSize - stride
			if forwardTotal < 0 {
				forwardTotal = 0
			}
			begin = kernelSize - 1 - forwardTotal/2
		}
		end := total - begin
		if begin < 0 || end < 0 {
			exceptions.Panicf("prim.ConvTranspose: output spatial size %d at axis %d is too small for "+
				"input %d, kernel %d, stride %d", outputSpatial[i], i, inputSpatial[i], kernelSize, stride)
		}
		paddings[i] = [2]int{begin, end}
	}

	reversed := Reverse(kernel, axes.KernelSpatial...)
	forwardStrides := onesIfNil(nil, numSpatial)
	kernelDilations := onesIfNil(nil, numSpatial)
	return ConvGeneral(x, reversed, axes, forwardStrides, paddings, onesIfNil(strides, numSpatial), kernelDilations, 1, 1)
}
