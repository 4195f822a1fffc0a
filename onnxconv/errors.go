package onnxconv

import "github.com/pkg/errors"

// Failure conditions surfaced by the lowering. Every panic raised while
// lowering wraps exactly one of these sentinels, so callers of Lower and
// InferOutputShape can match them with errors.Is.
var (
	// ErrInvalidAttribute indicates an attribute with an unrecognized value or
	// of the wrong type (e.g. an unknown auto_pad string).
	ErrInvalidAttribute = errors.New("invalid attribute value")

	// ErrShapeMismatch indicates an inconsistency between a declared attribute
	// and the actual tensor shapes (e.g. kernel_shape vs. the weight's spatial
	// dimensions).
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupportedOnBackend indicates a combination the backend cannot
	// emulate: auto_pad SAME_LOWER with a transposed convolution.
	ErrUnsupportedOnBackend = errors.New("operator unsupported on this backend")

	// ErrUnimplementedRank indicates a spatial rank the backend exposes no
	// convolution primitive for.
	ErrUnimplementedRank = errors.New("unimplemented spatial rank")

	// ErrIncompatibleDilation indicates a non-unit dilation requested for a
	// transposed convolution.
	ErrIncompatibleDilation = errors.New("dilation not supported for transposed convolution")
)
