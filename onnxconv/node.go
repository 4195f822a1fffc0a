// Package onnxconv lowers ONNX Conv and ConvTranspose operators to GoMLX
// graph operations.
//
// The backend's native convolution vocabulary is narrower than ONNX's: it
// only knows "valid" and symmetric "same" padding, and its accelerated path
// may require a different tensor layout than the ONNX channel-first storage
// layout. The lowering emulates the missing modes with explicit pad,
// transpose, split/concatenate and slice operations around the convolution
// primitives in internal/prim.
package onnxconv

import (
	"fmt"

	"github.com/pkg/errors"
)

// OpKind tags which of the two convolution operators an Operator describes.
type OpKind int

const (
	// OpConv is the forward convolution operator ("Conv").
	OpConv OpKind = iota
	// OpConvTranspose is the transposed convolution operator ("ConvTranspose").
	OpConvTranspose
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpConv:
		return "Conv"
	case OpConvTranspose:
		return "ConvTranspose"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operator is the read-only description of one convolution operator instance,
// as produced by a graph loader: an op kind, an optional name for error
// messages, and the ONNX attribute mapping.
//
// Supported attribute keys, all optional: "kernel_shape", "strides",
// "dilations", "pads" ([]int), "group" (int, default 1), "auto_pad" (string,
// default "NOTSET"), and for ConvTranspose also "output_shape" and
// "output_padding" ([]int).
//
// Operators are never mutated during lowering.
type Operator struct {
	Kind  OpKind
	Name  string
	Attrs map[string]any
}

// String implements fmt.Stringer, for error messages.
func (op *Operator) String() string {
	if op.Name == "" {
		return op.Kind.String()
	}
	return fmt.Sprintf("%s[%q]", op.Kind, op.Name)
}

// hasAttr reports whether the attribute is set on the operator.
func hasAttr(op *Operator, name string) bool {
	_, found := op.Attrs[name]
	return found
}

// getIntAttrOr gets an integer attribute if present or returns the given
// defaultValue. It panics with ErrInvalidAttribute if the attribute is
// present but of the wrong type.
func getIntAttrOr(op *Operator, name string, defaultValue int) int {
	attr, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	value, ok := attr.(int)
	if !ok {
		panic(errors.WithMessagef(ErrInvalidAttribute, "attribute %q of %s must be an int, got %T", name, op, attr))
	}
	return value
}

// getIntsAttrOr gets an integer list attribute if present or returns the
// given defaultValues. It panics with ErrInvalidAttribute if the attribute is
// present but of the wrong type.
func getIntsAttrOr(op *Operator, name string, defaultValues []int) []int {
	attr, found := op.Attrs[name]
	if !found {
		return defaultValues
	}
	values, ok := attr.([]int)
	if !ok {
		panic(errors.WithMessagef(ErrInvalidAttribute, "attribute %q of %s must be an []int, got %T", name, op, attr))
	}
	return values
}

// getStringAttrOr gets a string attribute if present or returns the given
// defaultValue. It panics with ErrInvalidAttribute if the attribute is
// present but of the wrong type.
func getStringAttrOr(op *Operator, name string, defaultValue string) string {
	attr, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	value, ok := attr.(string)
	if !ok {
		panic(errors.WithMessagef(ErrInvalidAttribute, "attribute %q of %s must be a string, got %T", name, op, attr))
	}
	return value
}
