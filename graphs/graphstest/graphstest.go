// Package graphstest provides an in-memory fake graph engine implementing
// graphs.Symbol and graphs.Executor, for tests of the coordination layer.
//
// A Symbol is scripted with its arguments, auxiliary states and outputs.
// Inputs and outputs are batch-dependent: their leading dimension follows the
// batch dimension of the known shapes given to InferShape. Executors record
// Forward/Backward calls (spy style) and fill their outputs with a
// deterministic per-device value, so tests can verify scatter/merge order.
package graphstest

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/types/shapes"
	"github.com/gomlx/parexec/types/tensors"
)

type argSpec struct {
	name    string
	dtype   dtypes.DType
	dims    []int // trailing dims only, when batched
	batched bool
}

// Symbol is a scripted graph definition. Build it with the chained
// Input/Param/Aux/Output calls, then hand it to the executor group.
type Symbol struct {
	name         string
	args         []argSpec
	aux          []argSpec
	outs         []argSpec
	attrs        map[string]string
	undetermined bool

	// Bound collects the executors created by Bind, in bind order.
	Bound []*Executor
}

// NewSymbol creates an empty scripted graph definition.
func NewSymbol(name string) *Symbol {
	return &Symbol{name: name, attrs: make(map[string]string)}
}

// Input adds a batch-dependent argument (a data or label input) with the given
// trailing dimensions: its shape is (batch, trailingDims...).
func (s *Symbol) Input(name string, dtype dtypes.DType, trailingDims ...int) *Symbol {
	s.args = append(s.args, argSpec{name: name, dtype: dtype, dims: slices.Clone(trailingDims), batched: true})
	return s
}

// Param adds a fixed-shape argument (a trainable parameter).
func (s *Symbol) Param(name string, dtype dtypes.DType, dims ...int) *Symbol {
	s.args = append(s.args, argSpec{name: name, dtype: dtype, dims: slices.Clone(dims)})
	return s
}

// Aux adds a fixed-shape auxiliary state.
func (s *Symbol) Aux(name string, dtype dtypes.DType, dims ...int) *Symbol {
	s.aux = append(s.aux, argSpec{name: name, dtype: dtype, dims: slices.Clone(dims)})
	return s
}

// Output adds a batch-dependent output with the given trailing dimensions.
func (s *Symbol) Output(name string, dtype dtypes.DType, trailingDims ...int) *Symbol {
	s.outs = append(s.outs, argSpec{name: name, dtype: dtype, dims: slices.Clone(trailingDims), batched: true})
	return s
}

// SetAttr attaches a graph attribute, e.g. ("w_grad", "freeze").
func (s *Symbol) SetAttr(key, value string) *Symbol {
	s.attrs[key] = value
	return s
}

// Underdetermined makes every inference call fail, simulating a graph whose
// shapes/dtypes cannot be resolved from the provided inputs.
func (s *Symbol) Underdetermined() *Symbol {
	s.undetermined = true
	return s
}

func names(specs []argSpec) []string {
	result := make([]string, len(specs))
	for i, spec := range specs {
		result[i] = spec.name
	}
	return result
}

// ListArguments implements graphs.Symbol.
func (s *Symbol) ListArguments() []string { return names(s.args) }

// ListAuxiliaryStates implements graphs.Symbol.
func (s *Symbol) ListAuxiliaryStates() []string { return names(s.aux) }

// ListOutputs implements graphs.Symbol.
func (s *Symbol) ListOutputs() []string { return names(s.outs) }

// ListAttributes implements graphs.Symbol.
func (s *Symbol) ListAttributes() map[string]string { return s.attrs }

// InferShape implements graphs.Symbol: batch-dependent specs get their leading
// dimension from the known shapes; everything else resolves to its scripted
// dimensions.
func (s *Symbol) InferShape(known map[string][]int) (args, outs, aux [][]int, ok bool) {
	if s.undetermined {
		return nil, nil, nil, false
	}
	batch := -1
	for _, spec := range s.args {
		if dims, found := known[spec.name]; found && spec.batched && len(dims) > 0 {
			batch = dims[0]
			break
		}
	}
	if batch < 0 {
		return nil, nil, nil, false
	}
	resolve := func(specs []argSpec) [][]int {
		result := make([][]int, len(specs))
		for i, spec := range specs {
			if dims, found := known[spec.name]; found {
				result[i] = slices.Clone(dims)
			} else if spec.batched {
				result[i] = append([]int{batch}, spec.dims...)
			} else {
				result[i] = slices.Clone(spec.dims)
			}
		}
		return result
	}
	return resolve(s.args), resolve(s.outs), resolve(s.aux), true
}

// InferDType implements graphs.Symbol, resolving to the scripted dtypes.
func (s *Symbol) InferDType(_ map[string]dtypes.DType) (args, outs, aux []dtypes.DType, ok bool) {
	if s.undetermined {
		return nil, nil, nil, false
	}
	resolve := func(specs []argSpec) []dtypes.DType {
		result := make([]dtypes.DType, len(specs))
		for i, spec := range specs {
			result[i] = spec.dtype
		}
		return result
	}
	return resolve(s.args), resolve(s.outs), resolve(s.aux), true
}

// Bind implements graphs.Symbol. The executor's outputs are allocated on the
// spot, their batch dimension taken from the first batch-dependent bound
// argument.
func (s *Symbol) Bind(dev devices.Device, args, grads []tensors.Tensor, gradReq map[string]graphs.GradReq, aux []tensors.Tensor) graphs.Executor {
	if len(args) != len(s.args) || len(aux) != len(s.aux) {
		exceptions.Panicf("graphstest: Bind(%q) on %s given %d args and %d aux, expected %d and %d",
			s.name, dev, len(args), len(aux), len(s.args), len(s.aux))
	}
	batch := -1
	for i, spec := range s.args {
		if spec.batched {
			batch = args[i].Shape().Batch()
			break
		}
	}
	exec := &Executor{
		Sym:     s,
		Dev:     dev,
		Args:    args,
		Grads:   grads,
		Aux:     aux,
		GradReq: gradReq,
		Fill:    float64(dev.Ordinal + 1),
	}
	for _, spec := range s.outs {
		outShape := shapes.Make(spec.dtype, append([]int{batch}, spec.dims...)...)
		exec.outs = append(exec.outs, tensors.FromShapeOn(dev, outShape))
	}
	s.Bound = append(s.Bound, exec)
	return exec
}

// Executor is the fake bound executor. Its public fields are for test
// inspection.
type Executor struct {
	Sym     *Symbol
	Dev     devices.Device
	Args    []tensors.Tensor
	Grads   []tensors.Tensor
	Aux     []tensors.Tensor
	GradReq map[string]graphs.GradReq

	// Fill is the value Forward writes into every output element.
	// Defaults to device ordinal + 1, so per-device outputs are telling.
	Fill float64

	ForwardCalls  int
	LastTrain     bool
	BackwardCalls int
	LastOutGrads  []tensors.Tensor

	outs []tensors.Tensor
}

// Forward implements graphs.Executor, filling every output with Fill.
func (e *Executor) Forward(train bool) {
	e.ForwardCalls++
	e.LastTrain = train
	for _, out := range e.outs {
		out.(*tensors.Local).Fill(e.Fill)
	}
}

// Backward implements graphs.Executor, recording the given output gradients.
func (e *Executor) Backward(outGrads []tensors.Tensor) {
	e.BackwardCalls++
	e.LastOutGrads = outGrads
}

// Outputs implements graphs.Executor.
func (e *Executor) Outputs() []tensors.Tensor { return e.outs }

// ArgArrays implements graphs.Executor.
func (e *Executor) ArgArrays() []tensors.Tensor { return e.Args }

// GradArrays implements graphs.Executor.
func (e *Executor) GradArrays() []tensors.Tensor { return e.Grads }

// AuxArrays implements graphs.Executor.
func (e *Executor) AuxArrays() []tensors.Tensor { return e.Aux }
