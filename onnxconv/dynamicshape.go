package onnxconv

import (
	"strconv"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// DynamicDimension marks a dimension whose size is unknown at lowering time,
// typically the batch size.
const DynamicDimension = -1

// DynamicShape is a tensor shape for which some of the axes may have unknown
// dimensions, denoted by DynamicDimension. It is used by InferOutputShape to
// propagate statically-unknown batch sizes without building a graph.
type DynamicShape struct {
	Dimensions []int
}

// MakeDynamicShape returns a DynamicShape with the given dimensions.
// Use DynamicDimension (-1) for unknown axes.
func MakeDynamicShape(dimensions ...int) DynamicShape {
	return DynamicShape{Dimensions: dimensions}
}

// Rank returns the DynamicShape's rank.
func (s DynamicShape) Rank() int { return len(s.Dimensions) }

// Dim returns the size of the given axis, possibly DynamicDimension.
func (s DynamicShape) Dim(axis int) int { return s.Dimensions[axis] }

// IsDynamicDim reports whether the given axis has an unknown dimension.
func (s DynamicShape) IsDynamicDim(axis int) bool { return s.Dimensions[axis] < 0 }

// String implements fmt.Stringer.
func (s DynamicShape) String() string {
	parts := make([]string, len(s.Dimensions))
	for axis, dim := range s.Dimensions {
		if dim < 0 {
			parts[axis] = "?"
		} else {
			parts[axis] = strconv.Itoa(dim)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// dimSpec is one entry of a shape under assembly: either a static size, or a
// deferred lookup of an axis of an operand, substituted from the operand's
// runtime shape when the shape is resolved. It keeps the dynamic batch-size
// substitution uniform across the places shapes are assembled, instead of
// special-casing it per call site.
type dimSpec struct {
	size    int
	operand *Node // when set, size is ignored and the dimension comes from operand axis.
	axis    int
}

func staticDim(size int) dimSpec { return dimSpec{size: size} }

func runtimeDim(operand *Node, axis int) dimSpec { return dimSpec{operand: operand, axis: axis} }

// resolveDims materializes a shape under assembly into concrete dimensions,
// substituting deferred entries from their operand's shape.
func resolveDims(specs []dimSpec) []int {
	dims := make([]int, len(specs))
	for i, spec := range specs {
		if spec.operand != nil {
			dims[i] = spec.operand.Shape().Dim(spec.axis)
		} else {
			dims[i] = spec.size
		}
	}
	return dims
}
