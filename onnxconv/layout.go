package onnxconv

import (
	"strings"

	"github.com/pkg/errors"
)

// Format is an ordered sequence of axis labels describing a tensor layout:
// 'N' (batch), 'C' (channels) and up to three spatial labels out of "DHW".
// E.g. "NCHW" is the channel-first storage layout of a rank-4 tensor.
type Format string

// spatialLabels are the labels used for spatial axes, innermost last.
const spatialLabels = "DHW"

// DataFormats returns the storage layout tensors are exchanged in (the ONNX
// channel-first convention) and the layout the convolution primitives compute
// in, for the given tensor rank. The compute layout is channel-first when the
// accelerated path is available and channel-last otherwise.
//
// Only ranks 3 to 5 (1 to 3 spatial axes) have a defined layout; anything
// else panics with ErrUnimplementedRank.
func DataFormats(rank int, channelsFirstCompute bool) (storage, compute Format) {
	numSpatial := rank - 2
	if numSpatial < 1 || numSpatial > len(spatialLabels) {
		panic(errors.WithMessagef(ErrUnimplementedRank, "no data format defined for %d spatial axes (tensor rank %d)", numSpatial, rank))
	}
	spatial := spatialLabels[len(spatialLabels)-numSpatial:]
	storage = Format("NC" + spatial)
	if channelsFirstCompute {
		compute = storage
	} else {
		compute = Format("N" + spatial + "C")
	}
	return
}

// Rank returns the tensor rank the format describes.
func (f Format) Rank() int { return len(f) }

// AxisOf returns the position of the given axis label, or -1 if absent.
func (f Format) AxisOf(label byte) int {
	return strings.IndexByte(string(f), label)
}

// BatchAxis returns the position of the batch axis.
func (f Format) BatchAxis() int { return f.AxisOf('N') }

// ChannelAxis returns the position of the channel axis.
func (f Format) ChannelAxis() int { return f.AxisOf('C') }

// ChannelsFirst reports whether the channel axis immediately follows batch.
func (f Format) ChannelsFirst() bool { return f.ChannelAxis() == 1 }

// SpatialAxes returns the positions of the spatial axes, in label order.
func (f Format) SpatialAxes() []int {
	axes := make([]int, 0, len(f)-2)
	for axis := 0; axis < len(f); axis++ {
		if f[axis] != 'N' && f[axis] != 'C' {
			axes = append(axes, axis)
		}
	}
	return axes
}

// PermBetween returns the permutation that converts a tensor laid out as
// `from` into the layout `to`: perm[i] is the axis of `from` that provides
// axis i of `to`. Both formats must be permutations of the same label set.
func PermBetween(from, to Format) []int {
	if len(from) != len(to) {
		panic(errors.WithMessagef(ErrShapeMismatch, "layouts %q and %q have different ranks", from, to))
	}
	perm := make([]int, len(to))
	for i := 0; i < len(to); i++ {
		axis := from.AxisOf(to[i])
		if axis < 0 {
			panic(errors.WithMessagef(ErrShapeMismatch, "layouts %q and %q are not permutations of the same axes", from, to))
		}
		perm[i] = axis
	}
	return perm
}
