package onnxconv

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// InferOutputShape computes the output shape of a Conv or ConvTranspose
// operator from its input shapes alone, without building a graph. It applies
// the same attribute validation and padding decision as Lower, so operators
// Lower would reject fail here with the same sentinel errors.
//
// Dynamic input dimensions (DynamicDimension, typically the batch axis)
// propagate to the output. The weights' channel and spatial dimensions must
// be static.
func InferOutputShape(op *Operator, inputs []DynamicShape) (output DynamicShape, err error) {
	err = exceptions.TryCatch[error](func() { output = inferOutputShape(op, inputs) })
	if err != nil {
		return DynamicShape{}, errors.WithMessagef(err, "while inferring the output shape of %s", op)
	}
	return output, nil
}

func inferOutputShape(op *Operator, inputs []DynamicShape) DynamicShape {
	if len(inputs) < 2 || len(inputs) > 3 {
		panic(errors.WithMessagef(ErrShapeMismatch, "%s takes 2 or 3 inputs (x, weights and optional bias), got %d", op, len(inputs)))
	}
	x, weights := inputs[0], inputs[1]
	transposed := op.Kind == OpConvTranspose

	rank := x.Rank()
	if weights.Rank() != rank {
		panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s must have rank %d like x, got %s", op, rank, weights))
	}
	numSpatial := rank - 2
	if numSpatial < 1 || numSpatial > 3 {
		panic(errors.WithMessagef(ErrUnimplementedRank, "no convolution primitive for %d spatial axes (tensor rank %d)", numSpatial, rank))
	}
	for axis := 0; axis < rank; axis++ {
		if weights.IsDynamicDim(axis) {
			panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s must have a static shape, got %s", op, weights))
		}
	}

	attrs := convAttrs{
		numSpatial:  numSpatial,
		kernelShape: weights.Dimensions[2:],
		group:       getIntAttrOr(op, "group", 1),
		autoPad:     getStringAttrOr(op, "auto_pad", "NOTSET"),
	}
	if declared := getIntsAttrOr(op, "kernel_shape", nil); declared != nil && !slices.Equal(declared, attrs.kernelShape) {
		panic(errors.WithMessagef(ErrShapeMismatch, "kernel_shape %v of %s does not match the weights' spatial dimensions %v",
			declared, op, attrs.kernelShape))
	}
	attrs.strides = spatialIntsAttr(op, "strides", numSpatial, 1)
	attrs.dilations = spatialIntsAttr(op, "dilations", numSpatial, 1)
	attrs.pads = getIntsAttrOr(op, "pads", make([]int, 2*numSpatial))
	if len(attrs.pads) != 2*numSpatial {
		panic(errors.WithMessagef(ErrInvalidAttribute, "pads of %s must have %d values, got %v", op, 2*numSpatial, attrs.pads))
	}
	if attrs.group < 1 {
		panic(errors.WithMessagef(ErrInvalidAttribute, "group of %s must be positive, got %d", op, attrs.group))
	}
	if transposed {
		attrs.outputShape = transposeOutputShapeAttr(op, numSpatial)
		attrs.outputPadding = spatialIntsAttr(op, "output_padding", numSpatial, 0)
		if !allOnes(attrs.dilations) {
			panic(errors.WithMessagef(ErrIncompatibleDilation, "%s has dilations %v", op, attrs.dilations))
		}
	}
	decision := resolvePadding(attrs.autoPad, transposed, allOnes(attrs.strides))
	if decision.mode == padUnsupported {
		panic(errors.WithMessagef(ErrUnsupportedOnBackend, "%s with auto_pad %q", op, attrs.autoPad))
	}

	inputChannels := x.Dim(1)
	var outputChannels int
	if transposed {
		if inputChannels >= 0 && weights.Dim(0) != inputChannels {
			panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s must have %d input channels at axis 0, got %s",
				op, inputChannels, weights))
		}
		outputChannels = weights.Dim(1) * attrs.group
	} else {
		if inputChannels >= 0 && weights.Dim(1)*attrs.group != inputChannels {
			panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s expect %d input channels (%d per group), x has %d",
				op, weights.Dim(1)*attrs.group, weights.Dim(1), inputChannels))
		}
		outputChannels = weights.Dim(0)
	}

	dims := make([]int, rank)
	dims[0] = x.Dim(0) // batch, possibly dynamic.
	dims[1] = outputChannels
	for i := 0; i < numSpatial; i++ {
		axis := 2 + i
		if x.IsDynamicDim(axis) {
			dims[axis] = DynamicDimension
			continue
		}
		inputSize := x.Dim(axis)
		stride, kernelSize, dilation := attrs.strides[i], attrs.kernelShape[i], attrs.dilations[i]
		effectiveKernel := (kernelSize-1)*dilation + 1
		if transposed {
			switch {
			case decision.mode == padSame:
				dims[axis] = stride * inputSize
			case decision.mode == padExplicitValid && attrs.outputShape != nil:
				dims[axis] = attrs.outputShape[i]
			case decision.mode == padExplicitValid:
				dims[axis] = stride*(inputSize-1) + kernelSize + attrs.outputPadding[i] -
					attrs.pads[i] - attrs.pads[numSpatial+i]
			default:
				dims[axis] = stride*(inputSize-1) + kernelSize
			}
			if dims[axis] < 1 {
				panic(errors.WithMessagef(ErrShapeMismatch, "spatial axis %d of %s: pads %v leave no output", i, op, attrs.pads))
			}
		} else {
			padded := inputSize
			switch {
			case decision.mode == padExplicitValid:
				padded += attrs.pads[i] + attrs.pads[numSpatial+i]
			case decision.unitPrePad:
				padded += 2
			}
			if decision.mode == padSame {
				dims[axis] = (inputSize + stride - 1) / stride
			} else {
				if padded < effectiveKernel {
					panic(errors.WithMessagef(ErrShapeMismatch, "spatial axis %d of %s: padded input size %d is smaller than the effective kernel size %d",
						i, op, padded, effectiveKernel))
				}
				dims[axis] = (padded-effectiveKernel)/stride + 1
			}
		}
	}
	return MakeDynamicShape(dims...)
}
