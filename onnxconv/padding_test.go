package onnxconv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catchErr runs fn and returns the error it panicked with, or nil.
func catchErr(fn func()) (err error) {
	defer func() {
		if exception := recover(); exception != nil {
			err = exception.(error)
		}
	}()
	fn()
	return
}

func TestResolvePadding(t *testing.T) {
	testCases := []struct {
		autoPad     string
		transposed  bool
		unitStrides bool
		want        padDecision
	}{
		{"NOTSET", false, true, padDecision{mode: padExplicitValid}},
		{"NOTSET", false, false, padDecision{mode: padExplicitValid}},
		{"NOTSET", true, true, padDecision{mode: padExplicitValid}},
		{"NOTSET", true, false, padDecision{mode: padExplicitValid}},
		{"", false, true, padDecision{mode: padExplicitValid}},
		{"VALID", false, true, padDecision{mode: padValid}},
		{"VALID", false, false, padDecision{mode: padValid}},
		{"VALID", true, false, padDecision{mode: padValid}},
		{"SAME_UPPER", false, true, padDecision{mode: padSame}},
		{"SAME_UPPER", false, false, padDecision{mode: padSame}},
		{"SAME_UPPER", true, false, padDecision{mode: padSame}},
		{"SAME_LOWER", false, true, padDecision{mode: padSame}},
		{"SAME_LOWER", false, false, padDecision{mode: padValid, unitPrePad: true}},
		{"SAME_LOWER", true, true, padDecision{mode: padUnsupported}},
		{"SAME_LOWER", true, false, padDecision{mode: padUnsupported}},
	}
	for _, testCase := range testCases {
		name := fmt.Sprintf("%s/transposed=%v/unitStrides=%v", testCase.autoPad, testCase.transposed, testCase.unitStrides)
		got := resolvePadding(testCase.autoPad, testCase.transposed, testCase.unitStrides)
		assert.Equalf(t, testCase.want, got, "resolvePadding(%s)", name)
	}
}

func TestResolvePaddingInvalidAutoPad(t *testing.T) {
	for _, autoPad := range []string{"SAME", "same_upper", "EXPLICIT"} {
		err := catchErr(func() { resolvePadding(autoPad, false, true) })
		require.ErrorIsf(t, err, ErrInvalidAttribute, "auto_pad=%q", autoPad)
	}
}

func TestAttributeErrors(t *testing.T) {
	op := &Operator{Kind: OpConv, Name: "badGroup", Attrs: map[string]any{"group": "2"}}
	err := catchErr(func() { getIntAttrOr(op, "group", 1) })
	require.ErrorIs(t, err, ErrInvalidAttribute)

	op = &Operator{Kind: OpConv, Attrs: map[string]any{"strides": []int{2}}}
	err = catchErr(func() { spatialIntsAttr(op, "strides", 2, 1) })
	require.ErrorIs(t, err, ErrInvalidAttribute)

	op = &Operator{Kind: OpConv, Attrs: map[string]any{"dilations": []int{0, 1}}}
	err = catchErr(func() { spatialIntsAttr(op, "dilations", 2, 1) })
	require.ErrorIs(t, err, ErrInvalidAttribute)

	op = &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"output_shape": []int{4, 4, 4}}}
	err = catchErr(func() { transposeOutputShapeAttr(op, 2) })
	require.ErrorIs(t, err, ErrInvalidAttribute)

	// A full shape is accepted too, only the spatial suffix is kept.
	op = &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"output_shape": []int{1, 2, 10, 12}}}
	require.Equal(t, []int{10, 12}, transposeOutputShapeAttr(op, 2))
}

func TestWeightPerm(t *testing.T) {
	require.Equal(t, []int{2, 1, 0}, weightPerm(3))
	require.Equal(t, []int{2, 3, 1, 0}, weightPerm(4))
	require.Equal(t, []int{2, 3, 4, 1, 0}, weightPerm(5))
}
