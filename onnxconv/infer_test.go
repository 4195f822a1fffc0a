package onnxconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferOutputShape(t *testing.T) {
	testCases := []struct {
		name   string
		op     *Operator
		inputs []DynamicShape
		want   DynamicShape
	}{
		{
			name:   "conv valid",
			op:     &Operator{Kind: OpConv},
			inputs: []DynamicShape{MakeDynamicShape(1, 3, 8, 8), MakeDynamicShape(4, 3, 3, 3)},
			want:   MakeDynamicShape(1, 4, 6, 6),
		},
		{
			name: "conv explicit pads",
			op:   &Operator{Kind: OpConv, Attrs: map[string]any{"pads": []int{1, 1}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3),
			},
			want: MakeDynamicShape(1, 1, 5),
		},
		{
			name: "conv same upper strided",
			op:   &Operator{Kind: OpConv, Attrs: map[string]any{"auto_pad": "SAME_UPPER", "strides": []int{2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3),
			},
			want: MakeDynamicShape(1, 1, 3),
		},
		{
			name: "conv same lower strided",
			op:   &Operator{Kind: OpConv, Attrs: map[string]any{"auto_pad": "SAME_LOWER", "strides": []int{2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3),
			},
			want: MakeDynamicShape(1, 1, 3),
		},
		{
			name: "conv strided dilated",
			op:   &Operator{Kind: OpConv, Attrs: map[string]any{"strides": []int{2}, "dilations": []int{2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 7), MakeDynamicShape(1, 1, 2),
			},
			want: MakeDynamicShape(1, 1, 3),
		},
		{
			name: "conv grouped",
			op:   &Operator{Kind: OpConv, Attrs: map[string]any{"group": 2}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 2, 4), MakeDynamicShape(2, 1, 2),
			},
			want: MakeDynamicShape(1, 2, 3),
		},
		{
			name:   "conv dynamic batch",
			op:     &Operator{Kind: OpConv},
			inputs: []DynamicShape{MakeDynamicShape(DynamicDimension, 3, 8, 8), MakeDynamicShape(4, 3, 3, 3)},
			want:   MakeDynamicShape(DynamicDimension, 4, 6, 6),
		},
		{
			name:   "conv dynamic spatial",
			op:     &Operator{Kind: OpConv},
			inputs: []DynamicShape{MakeDynamicShape(1, 3, DynamicDimension, 8), MakeDynamicShape(4, 3, 3, 3)},
			want:   MakeDynamicShape(1, 4, DynamicDimension, 6),
		},
		{
			name: "transpose strided",
			op:   &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"strides": []int{2, 2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 4, 5, 5), MakeDynamicShape(4, 2, 3, 3),
			},
			want: MakeDynamicShape(1, 2, 11, 11),
		},
		{
			name: "transpose valid",
			op:   &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"auto_pad": "VALID", "strides": []int{2, 2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 4, 5, 5), MakeDynamicShape(4, 2, 3, 3),
			},
			want: MakeDynamicShape(1, 2, 11, 11),
		},
		{
			name: "transpose same upper",
			op:   &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"auto_pad": "SAME_UPPER", "strides": []int{2, 2}}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 4, 5, 5), MakeDynamicShape(4, 2, 3, 3),
			},
			want: MakeDynamicShape(1, 2, 10, 10),
		},
		{
			name: "transpose pads and output_padding",
			op: &Operator{Kind: OpConvTranspose, Attrs: map[string]any{
				"strides": []int{2}, "pads": []int{1, 1}, "output_padding": []int{1},
			}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 2), MakeDynamicShape(1, 1, 2),
			},
			want: MakeDynamicShape(1, 1, 3),
		},
		{
			name: "transpose output_shape wins",
			op: &Operator{Kind: OpConvTranspose, Attrs: map[string]any{
				"strides": []int{2}, "output_shape": []int{5}, "output_padding": []int{1},
			}},
			inputs: []DynamicShape{
				MakeDynamicShape(1, 1, 2), MakeDynamicShape(1, 1, 2),
			},
			want: MakeDynamicShape(1, 1, 5),
		},
		{
			name: "transpose grouped dynamic batch",
			op:   &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"group": 2}},
			inputs: []DynamicShape{
				MakeDynamicShape(DynamicDimension, 2, 2), MakeDynamicShape(2, 1, 2),
			},
			want: MakeDynamicShape(DynamicDimension, 2, 3),
		},
	}
	for _, testCase := range testCases {
		got, err := InferOutputShape(testCase.op, testCase.inputs)
		require.NoErrorf(t, err, "%s", testCase.name)
		assert.Equalf(t, testCase.want, got, "%s", testCase.name)
	}
}

func TestInferOutputShapeErrors(t *testing.T) {
	testCases := []struct {
		name    string
		op      *Operator
		inputs  []DynamicShape
		wantErr error
	}{
		{
			name:    "missing weights",
			op:      &Operator{Kind: OpConv},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5)},
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "rank too high",
			op:      &Operator{Kind: OpConv},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 2, 2, 2, 2), MakeDynamicShape(1, 1, 2, 2, 2, 2)},
			wantErr: ErrUnimplementedRank,
		},
		{
			name:    "kernel_shape mismatch",
			op:      &Operator{Kind: OpConv, Attrs: map[string]any{"kernel_shape": []int{5}}},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3)},
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "channel mismatch",
			op:      &Operator{Kind: OpConv},
			inputs:  []DynamicShape{MakeDynamicShape(1, 2, 5), MakeDynamicShape(3, 4, 3)},
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "invalid auto_pad",
			op:      &Operator{Kind: OpConv, Attrs: map[string]any{"auto_pad": "SOMETHING"}},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3)},
			wantErr: ErrInvalidAttribute,
		},
		{
			name:    "kernel larger than padded input",
			op:      &Operator{Kind: OpConv},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 2), MakeDynamicShape(1, 1, 3)},
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "transpose dilated",
			op:      &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"dilations": []int{2}}},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3)},
			wantErr: ErrIncompatibleDilation,
		},
		{
			name:    "transpose same lower",
			op:      &Operator{Kind: OpConvTranspose, Attrs: map[string]any{"auto_pad": "SAME_LOWER"}},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, 3)},
			wantErr: ErrUnsupportedOnBackend,
		},
		{
			name:    "dynamic weights",
			op:      &Operator{Kind: OpConv},
			inputs:  []DynamicShape{MakeDynamicShape(1, 1, 5), MakeDynamicShape(1, 1, DynamicDimension)},
			wantErr: ErrShapeMismatch,
		},
	}
	for _, testCase := range testCases {
		_, err := InferOutputShape(testCase.op, testCase.inputs)
		require.ErrorIsf(t, err, testCase.wantErr, "%s", testCase.name)
	}
}
