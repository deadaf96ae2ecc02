package exgroup

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/types/shapes"
)

// resolvedShapes is the product of shape/type resolution: canonical (full
// batch) shapes for every argument, output and auxiliary state, plus the
// concrete per-device storage shapes.
type resolvedShapes struct {
	args, outs, aux []shapes.Shape

	// perDeviceArgs[d][i] is the storage shape of argument i on device d:
	// the canonical shape with the batch dimension replaced by the device's
	// slice length (where the argument depends on the batch at all).
	perDeviceArgs [][]shapes.Shape
	perDeviceAux  [][]shapes.Shape
}

// resolveShapes runs the graph's shape and dtype inference once globally and
// once per device. Underdetermined inference at either level is fatal: the
// group cannot be constructed without complete shape/type information.
func resolveShapes(sym graphs.Symbol, inputShapes map[string]shapes.Shape, ranges []Range) *resolvedShapes {
	knownTypes := make(map[string]dtypes.DType, len(inputShapes))
	for name, shape := range inputShapes {
		knownTypes[name] = shape.DType
	}
	argTypes, outTypes, auxTypes, ok := sym.InferDType(knownTypes)
	if !ok {
		exceptions.Panicf("exgroup: dtype inference underdetermined with inputs %s", shapes.Sprint(inputShapes))
	}

	globalDims := make(map[string][]int, len(inputShapes))
	for name, shape := range inputShapes {
		globalDims[name] = shape.Dimensions
	}
	res := &resolvedShapes{}
	res.args, res.outs, res.aux = inferOnce(sym, globalDims, argTypes, outTypes, auxTypes, inputShapes, "full batch")

	res.perDeviceArgs = make([][]shapes.Shape, len(ranges))
	res.perDeviceAux = make([][]shapes.Shape, len(ranges))
	for d, r := range ranges {
		deviceDims := make(map[string][]int, len(inputShapes))
		for name, shape := range inputShapes {
			deviceDims[name] = shape.WithBatch(r.Len()).Dimensions
		}
		res.perDeviceArgs[d], _, res.perDeviceAux[d] =
			inferOnce(sym, deviceDims, argTypes, outTypes, auxTypes, inputShapes, "device "+r.String())
	}
	return res
}

// inferOnce runs one shape-inference pass and zips the resulting dimensions
// with the inferred dtypes into full shapes. Unresolved results are fatal.
func inferOnce(sym graphs.Symbol, knownDims map[string][]int,
	argTypes, outTypes, auxTypes []dtypes.DType,
	inputShapes map[string]shapes.Shape, stage string) (args, outs, aux []shapes.Shape) {
	argDims, outDims, auxDims, ok := sym.InferShape(knownDims)
	if !ok {
		exceptions.Panicf("exgroup: shape inference (%s) underdetermined with inputs %s", stage, shapes.Sprint(inputShapes))
	}
	zip := func(what string, names []string, dims [][]int, dtypesList []dtypes.DType) []shapes.Shape {
		if len(dims) != len(names) || len(dtypesList) != len(names) {
			exceptions.Panicf("exgroup: inference (%s) returned %d shapes and %d dtypes for %d %s",
				stage, len(dims), len(dtypesList), len(names), what)
		}
		result := make([]shapes.Shape, len(names))
		for i, name := range names {
			for _, dim := range dims[i] {
				if dim <= 0 {
					exceptions.Panicf("exgroup: shape inference (%s) left %s %q unresolved (dimensions %v)",
						stage, what, name, dims[i])
				}
			}
			result[i] = shapes.Make(dtypesList[i], dims[i]...)
		}
		return result
	}
	args = zip("arguments", sym.ListArguments(), argDims, argTypes)
	outs = zip("outputs", sym.ListOutputs(), outDims, outTypes)
	aux = zip("auxiliary states", sym.ListAuxiliaryStates(), auxDims, auxTypes)
	return
}
