package onnxconv

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-conv/internal/prim"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceQuery answers capability questions about the device the graph will
// execute on. The lowering uses it to pick the convolution compute layout.
type DeviceQuery interface {
	// ChannelsFirstConvolution reports whether the device executes
	// convolutions natively in channel-first layout. When false, the lowering
	// transposes data to channel-last around the convolution and back.
	ChannelsFirstConvolution() bool
}

// backendQuery derives capabilities from the backend the graph was built for.
type backendQuery struct {
	backend backends.Backend
}

// ChannelsFirstConvolution implements DeviceQuery. The pure Go backend
// (registered as "go") has no accelerated channel-first convolution path.
// Backends identify their registration name via String(); Name() carries a
// longer display name (e.g. "SimpleGo (go)").
func (q backendQuery) ChannelsFirstConvolution() bool {
	if backend, ok := q.backend.(fmt.Stringer); ok {
		return backend.String() != "go"
	}
	return q.backend.Name() != "go"
}

// Option configures Lower.
type Option func(*lowerOptions)

type lowerOptions struct {
	device DeviceQuery
}

// WithDeviceQuery overrides the device capability query used to pick the
// compute layout. By default the graph's backend is asked.
func WithDeviceQuery(device DeviceQuery) Option {
	return func(opts *lowerOptions) { opts.device = device }
}

// Lower translates one Conv or ConvTranspose operator into graph operations.
//
// The inputs are the operator's data tensors: x in channel-first layout
// ([batch, channels, spatial...]), the weight tensor in the ONNX layout
// ([outCh, inCh/group, spatial...] for Conv, [inCh, outCh/group, spatial...]
// for ConvTranspose) and an optional 1D bias. The returned output is in
// channel-first layout again, whatever layout the convolution computed in.
//
// Returned errors wrap one of the package's Err* sentinels.
func Lower(op *Operator, inputs []*Node, options ...Option) (output *Node, err error) {
	err = exceptions.TryCatch[error](func() { output = lower(op, inputs, options...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while lowering %s", op)
	}
	return output, nil
}

func lower(op *Operator, inputs []*Node, options ...Option) *Node {
	if len(inputs) < 2 || len(inputs) > 3 {
		panic(errors.WithMessagef(ErrShapeMismatch, "%s takes 2 or 3 inputs (x, weights and optional bias), got %d", op, len(inputs)))
	}
	x, weights := inputs[0], inputs[1]
	var bias *Node
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	transposed := op.Kind == OpConvTranspose

	opts := lowerOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.device == nil {
		opts.device = backendQuery{backend: x.Graph().Backend()}
	}

	rank := x.Rank()
	storage, compute := DataFormats(rank, opts.device.ChannelsFirstConvolution())
	attrs := resolveConvAttrs(op, x, weights)

	// All unsupported combinations are rejected before any graph operation is
	// emitted, so a failed lowering leaves no dangling nodes behind.
	if transposed && !allOnes(attrs.dilations) {
		panic(errors.WithMessagef(ErrIncompatibleDilation, "%s has dilations %v", op, attrs.dilations))
	}
	decision := resolvePadding(attrs.autoPad, transposed, allOnes(attrs.strides))
	if decision.mode == padUnsupported {
		panic(errors.WithMessagef(ErrUnsupportedOnBackend, "%s with auto_pad %q", op, attrs.autoPad))
	}
	klog.V(2).Infof("lowering %s: storage=%s compute=%s padMode=%s group=%d strides=%v dilations=%v",
		op, storage, compute, decision.mode, attrs.group, attrs.strides, attrs.dilations)

	if bias != nil {
		outputChannels := weights.Shape().Dim(0)
		if transposed {
			outputChannels = weights.Shape().Dim(1) * attrs.group
		}
		if bias.Rank() != 1 || bias.Shape().Dim(0) != outputChannels {
			panic(errors.WithMessagef(ErrShapeMismatch, "bias of %s must be shaped [%d], got %s", op, outputChannels, bias.Shape()))
		}
	}

	// Weights go to [spatial..., ch, ch] with a single permutation: for Conv
	// that yields [spatial..., inCh/group, outCh], for ConvTranspose
	// [spatial..., outCh/group, inCh].
	weights = TransposeAllAxes(weights, weightPerm(rank)...)

	// Explicit padding happens in the storage layout, where the pads
	// attribute is defined.
	if !transposed {
		switch {
		case decision.mode == padExplicitValid && !allZeros(attrs.pads):
			x = padSpatial(x, storage, attrs.pads)
		case decision.unitPrePad:
			// SAME_LOWER with non-unit strides has no native mode; a one unit
			// pad at both ends of every spatial axis approximates it.
			unit := make([]int, 2*attrs.numSpatial)
			for i := range unit {
				unit[i] = 1
			}
			x = padSpatial(x, storage, unit)
		}
	}

	if compute != storage {
		x = TransposeAllAxes(x, PermBetween(storage, compute)...)
	}

	var output *Node
	if transposed {
		output = lowerTransposed(x, weights, compute, attrs, decision)
	} else {
		output = lowerForward(x, weights, compute, attrs, decision)
	}

	if bias != nil {
		broadcastDims := make([]int, rank)
		for axis := range broadcastDims {
			broadcastDims[axis] = 1
		}
		broadcastDims[compute.ChannelAxis()] = bias.Shape().Dim(0)
		output = Add(output, Reshape(bias, broadcastDims...))
	}

	if compute != storage {
		output = TransposeAllAxes(output, PermBetween(compute, storage)...)
	}
	return output
}

// lowerForward emits a forward convolution in the compute layout: one native
// call for the ungrouped case, otherwise one call per group over channel
// slices of the input and output-channel slices of the weights.
func lowerForward(x, weights *Node, compute Format, attrs convAttrs, decision padDecision) *Node {
	primPadding := prim.Valid
	if decision.mode == padSame {
		primPadding = prim.Same
	}
	channelsFirst := compute.ChannelsFirst()
	if attrs.group == 1 {
		return prim.Conv(x, weights, channelsFirst, primPadding, attrs.strides, attrs.dilations)
	}
	weightGroups := Split(weights, weights.Rank()-1, attrs.group)
	xGroups := Split(x, compute.ChannelAxis(), attrs.group)
	convolved := make([]*Node, attrs.group)
	for g := range convolved {
		convolved[g] = prim.Conv(xGroups[g], weightGroups[g], channelsFirst, primPadding, attrs.strides, attrs.dilations)
	}
	return Concatenate(convolved, compute.ChannelAxis())
}

// lowerTransposed emits a transposed convolution in the compute layout. The
// native primitive takes the full output shape as an argument; for explicit
// padding the requested shape is enlarged by the pads, the output_padding is
// appended and the pads are then cropped off the result.
func lowerTransposed(x, weights *Node, compute Format, attrs convAttrs, decision padDecision) *Node {
	rank := x.Rank()
	numSpatial := attrs.numSpatial
	spatialAxes := compute.SpatialAxes()

	// Per group, the primitive produces outCh/group channels, at axis
	// numSpatial of the permuted weights.
	groupChannels := weights.Shape().Dim(numSpatial)
	targetSpatial := make([]int, numSpatial)
	for i := range targetSpatial {
		inputSize := x.Shape().Dim(spatialAxes[i])
		stride, kernelSize := attrs.strides[i], attrs.kernelShape[i]
		switch {
		case decision.mode == padSame:
			targetSpatial[i] = stride * inputSize
		case decision.mode == padExplicitValid && attrs.outputShape != nil:
			targetSpatial[i] = attrs.outputShape[i] + attrs.pads[i] + attrs.pads[numSpatial+i]
		default:
			targetSpatial[i] = stride*(inputSize-1) + kernelSize
		}
		if targetSpatial[i] < stride*(inputSize-1)+1 {
			panic(errors.WithMessagef(ErrShapeMismatch, "spatial axis %d: output size %d is smaller than the stride-dilated input %d",
				i, targetSpatial[i], stride*(inputSize-1)+1))
		}
	}
	targetDims := make([]dimSpec, rank)
	targetDims[compute.BatchAxis()] = runtimeDim(x, compute.BatchAxis())
	targetDims[compute.ChannelAxis()] = staticDim(groupChannels)
	for i, axis := range spatialAxes {
		targetDims[axis] = staticDim(targetSpatial[i])
	}

	primPadding := prim.Valid
	if decision.mode == padSame {
		primPadding = prim.Same
	}
	channelsFirst := compute.ChannelsFirst()
	var output *Node
	if attrs.group == 1 {
		output = prim.ConvTranspose(x, weights, channelsFirst, primPadding, resolveDims(targetDims), attrs.strides)
	} else {
		weightGroups := Split(weights, rank-1, attrs.group)
		xGroups := Split(x, compute.ChannelAxis(), attrs.group)
		convolved := make([]*Node, attrs.group)
		for g := range convolved {
			convolved[g] = prim.ConvTranspose(xGroups[g], weightGroups[g], channelsFirst, primPadding, resolveDims(targetDims), attrs.strides)
		}
		output = Concatenate(convolved, compute.ChannelAxis())
	}
	if decision.mode != padExplicitValid {
		return output
	}

	// output_padding extends the end of the spatial axes, but only when the
	// output shape was not requested explicitly.
	if attrs.outputShape == nil && !allZeros(attrs.outputPadding) {
		axisPads := make([]backends.PadAxis, rank)
		for i, axis := range spatialAxes {
			axisPads[axis] = backends.PadAxis{End: attrs.outputPadding[i]}
		}
		output = Pad(output, ScalarZero(output.Graph(), output.DType()), axisPads...)
	}
	if !allZeros(attrs.pads) {
		specs := make([]SliceAxisSpec, rank)
		for axis := range specs {
			specs[axis] = AxisRange()
		}
		for i, axis := range spatialAxes {
			begin := attrs.pads[i]
			end := output.Shape().Dim(axis) - attrs.pads[numSpatial+i]
			specs[axis] = AxisRange(begin, end)
		}
		output = Slice(output, specs...)
	}
	return output
}

// convAttrs holds the operator attributes after defaulting and validation
// against the input shapes.
type convAttrs struct {
	numSpatial    int
	kernelShape   []int
	strides       []int
	dilations     []int
	pads          []int // ONNX order: all begins, then all ends.
	group         int
	autoPad       string
	outputShape   []int // ConvTranspose only, nil when absent.
	outputPadding []int // ConvTranspose only.
}

// resolveConvAttrs defaults, type-checks and shape-checks the operator's
// attributes. Attribute inconsistencies panic with ErrInvalidAttribute,
// inconsistencies with the tensor shapes with ErrShapeMismatch.
func resolveConvAttrs(op *Operator, x, weights *Node) convAttrs {
	rank := x.Rank()
	if weights.Rank() != rank {
		panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s must have rank %d like x, got %s", op, rank, weights.Shape()))
	}
	numSpatial := rank - 2
	attrs := convAttrs{
		numSpatial:  numSpatial,
		kernelShape: weights.Shape().Dimensions[2:],
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
	for _, pad := range attrs.pads {
		if pad < 0 {
			panic(errors.WithMessagef(ErrInvalidAttribute, "pads of %s must be non-negative, got %v", op, attrs.pads))
		}
	}
	if attrs.group < 1 {
		panic(errors.WithMessagef(ErrInvalidAttribute, "group of %s must be positive, got %d", op, attrs.group))
	}

	inputChannels := x.Shape().Dim(1)
	if op.Kind == OpConvTranspose {
		if weights.Shape().Dim(0) != inputChannels {
			panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s must have %d input channels at axis 0, got %s",
				op, inputChannels, weights.Shape()))
		}
		if inputChannels%attrs.group != 0 {
			panic(errors.WithMessagef(ErrShapeMismatch, "input channels %d of %s are not divisible by group %d",
				inputChannels, op, attrs.group))
		}
		attrs.outputShape = transposeOutputShapeAttr(op, numSpatial)
		attrs.outputPadding = spatialIntsAttr(op, "output_padding", numSpatial, 0)
	} else {
		if weights.Shape().Dim(1)*attrs.group != inputChannels {
			panic(errors.WithMessagef(ErrShapeMismatch, "weights of %s expect %d input channels (%d per group), x has %d",
				op, weights.Shape().Dim(1)*attrs.group, weights.Shape().Dim(1), inputChannels))
		}
		if weights.Shape().Dim(0)%attrs.group != 0 {
			panic(errors.WithMessagef(ErrShapeMismatch, "output channels %d of %s are not divisible by group %d",
				weights.Shape().Dim(0), op, attrs.group))
		}
	}
	return attrs
}

// spatialIntsAttr gets a per-spatial-axis integer list attribute, defaulting
// every entry to defaultValue and validating length and positivity (for
// attributes defaulting to 1) or non-negativity (defaulting to 0).
func spatialIntsAttr(op *Operator, name string, numSpatial, defaultValue int) []int {
	defaults := make([]int, numSpatial)
	for i := range defaults {
		defaults[i] = defaultValue
	}
	values := getIntsAttrOr(op, name, defaults)
	if len(values) != numSpatial {
		panic(errors.WithMessagef(ErrInvalidAttribute, "attribute %q of %s must have %d values, got %v", name, op, numSpatial, values))
	}
	for _, value := range values {
		if value < defaultValue {
			panic(errors.WithMessagef(ErrInvalidAttribute, "attribute %q of %s must have values >= %d, got %v", name, op, defaultValue, values))
		}
	}
	return values
}

// transposeOutputShapeAttr reads the output_shape attribute of ConvTranspose,
// which may carry either the spatial dimensions alone or a full shape, of
// which only the trailing spatial entries are used. Returns nil when absent.
func transposeOutputShapeAttr(op *Operator, numSpatial int) []int {
	values := getIntsAttrOr(op, "output_shape", nil)
	if values == nil {
		return nil
	}
	if len(values) != numSpatial && len(values) != numSpatial+2 {
		panic(errors.WithMessagef(ErrInvalidAttribute, "output_shape of %s must have %d (or %d) values, got %v",
			op, numSpatial, numSpatial+2, values))
	}
	values = values[len(values)-numSpatial:]
	for _, value := range values {
		if value < 1 {
			panic(errors.WithMessagef(ErrInvalidAttribute, "output_shape of %s must be positive, got %v", op, values))
		}
	}
	return values
}

// padMode selects how the native primitives' padding vocabulary is used.
type padMode int

const (
	// padValid maps directly to the primitives' Valid mode.
	padValid padMode = iota
	// padSame maps directly to the primitives' Same mode.
	padSame
	// padExplicitValid uses Valid primitives with the pads attribute applied
	// around them: pre-padding the input for Conv, enlarging and cropping the
	// output for ConvTranspose.
	padExplicitValid
	// padUnsupported marks a combination no primitive sequence implements.
	padUnsupported
)

// String implements fmt.Stringer.
func (mode padMode) String() string {
	switch mode {
	case padValid:
		return "valid"
	case padSame:
		return "same"
	case padExplicitValid:
		return "explicit+valid"
	case padUnsupported:
		return "unsupported"
	}
	return "invalid"
}

// padDecision is the outcome of the auto_pad decision table.
type padDecision struct {
	mode padMode
	// unitPrePad asks for one unit of padding at both ends of every spatial
	// axis before the convolution. Used to approximate SAME_LOWER with
	// non-unit strides.
	unitPrePad bool
}

// resolvePadding maps the auto_pad attribute onto the primitives' padding
// vocabulary:
//
//	auto_pad    | forward, any strides      | transposed
//	------------+---------------------------+----------------
//	NOTSET      | explicit pads, then Valid | explicit arithmetic + crop
//	VALID       | Valid                     | Valid
//	SAME_UPPER  | Same                      | Same
//	SAME_LOWER  | Same (unit strides) or    | unsupported
//	            | unit pre-pad + Valid      |
//
// Invalid auto_pad values panic with ErrInvalidAttribute.
func resolvePadding(autoPad string, transposed, unitStrides bool) padDecision {
	switch autoPad {
	case "NOTSET", "":
		return padDecision{mode: padExplicitValid}
	case "VALID":
		return padDecision{mode: padValid}
	case "SAME_UPPER":
		return padDecision{mode: padSame}
	case "SAME_LOWER":
		if transposed {
			return padDecision{mode: padUnsupported}
		}
		if unitStrides {
			return padDecision{mode: padSame}
		}
		return padDecision{mode: padValid, unitPrePad: true}
	}
	panic(errors.WithMessagef(ErrInvalidAttribute, "invalid auto_pad value %q", autoPad))
}

// padSpatial zero-pads the spatial axes of x, laid out as layout, by the
// ONNX-ordered pads (all begins, then all ends).
func padSpatial(x *Node, layout Format, pads []int) *Node {
	numSpatial := len(pads) / 2
	axisPads := make([]backends.PadAxis, x.Rank())
	for i, axis := range layout.SpatialAxes() {
		axisPads[axis] = backends.PadAxis{Start: pads[i], End: pads[numSpatial+i]}
	}
	return Pad(x, ScalarZero(x.Graph(), x.DType()), axisPads...)
}

// weightPerm is the permutation taking ONNX weights [ch, ch, spatial...] to
// the primitives' [spatial..., ch, ch] layout.
func weightPerm(rank int) []int {
	perm := make([]int, rank)
	for i := 0; i < rank-2; i++ {
		perm[i] = i + 2
	}
	perm[rank-2] = 1
	perm[rank-1] = 0
	return perm
}

func allOnes(values []int) bool {
	for _, value := range values {
		if value != 1 {
			return false
		}
	}
	return true
}

func allZeros(values []int) bool {
	for _, value := range values {
		if value != 0 {
			return false
		}
	}
	return true
}
