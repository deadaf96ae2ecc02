// Package graphs defines the interfaces the executor-group coordination layer
// requires from the symbolic graph engine.
//
// The engine owns the graph representation, its shape/type inference algorithm
// and the numerical execution; parexec consumes them through Symbol and
// Executor. A fake in-memory engine for tests lives in graphs/graphstest.
package graphs

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/types/tensors"
)

// GradReq describes what an executor must do with the gradient of one of its
// arguments.
type GradReq int

const (
	// GradReqNull: no gradient is computed for the argument. Used both for
	// arguments that simply don't need one and for frozen parameters -- frozen
	// parameters are additionally tracked by index so updates skip them.
	GradReqNull GradReq = iota

	// GradReqWrite: the gradient overwrites the argument's gradient array on
	// every backward pass.
	GradReqWrite

	// GradReqAdd: the gradient is accumulated (+=) into the argument's gradient
	// array. The caller is responsible for zeroing it between steps.
	GradReqAdd
)

// String implements fmt.Stringer.
func (r GradReq) String() string {
	switch r {
	case GradReqNull:
		return "null"
	case GradReqWrite:
		return "write"
	case GradReqAdd:
		return "add"
	}
	return "invalid"
}

// NeedsGrad returns whether the requirement implies allocating a gradient array.
func (r GradReq) NeedsGrad() bool { return r == GradReqWrite || r == GradReqAdd }

// Attribute convention used to freeze parameters directly in the graph
// definition: an attribute "<param>_grad" with value "freeze" marks <param> as
// frozen. See exgroup.AttrDerived.
const (
	FreezeAttrSuffix = "_grad"
	FreezeAttrValue  = "freeze"
)

// Symbol is a graph definition: a symbolic computation with named arguments
// (inputs and parameters), auxiliary states and outputs. It is immutable and
// shared by all executors bound from it.
type Symbol interface {
	// ListArguments returns the ordered names of all graph arguments: data and
	// label inputs as well as trainable parameters.
	ListArguments() []string

	// ListAuxiliaryStates returns the ordered names of the non-trainable states
	// (e.g. running statistics).
	ListAuxiliaryStates() []string

	// ListOutputs returns the ordered names of the graph outputs.
	ListOutputs() []string

	// ListAttributes returns the graph's (name, value) attribute pairs,
	// flattened into one map. Used for attribute-derived parameter freezing.
	ListAttributes() map[string]string

	// InferShape derives the dimensions of every argument, output and auxiliary
	// state from the known dimensions given (typically the data and label
	// inputs). ok is false when the known dimensions underdetermine the graph.
	InferShape(known map[string][]int) (args, outs, aux [][]int, ok bool)

	// InferDType derives the dtype of every argument, output and auxiliary
	// state from the known dtypes given. ok is false when underdetermined.
	InferDType(known map[string]dtypes.DType) (args, outs, aux []dtypes.DType, ok bool)

	// Bind creates an executor for this graph on the given device, using the
	// given storage. args follows ListArguments order; grads is parallel to
	// args, with nil entries for arguments whose requirement is GradReqNull;
	// aux follows ListAuxiliaryStates order.
	Bind(dev devices.Device, args, grads []tensors.Tensor, gradReq map[string]GradReq, aux []tensors.Tensor) Executor
}

// Executor is a bound, runnable instance of a graph against concrete device
// storage. The storage it was bound with is owned by the executor group;
// executors only hold references into it.
//
// Forward/Backward may be asynchronous on the underlying engine -- callers must
// not assume the computation finished when the call returns.
type Executor interface {
	// Forward runs the forward computation. train selects training-mode
	// behavior (e.g. dropout, batch-norm statistics updates).
	Forward(train bool)

	// Backward runs the backward computation. outGrads carries one gradient
	// tensor per graph output, already resident on the executor's device; it
	// may be empty when the graph computes its own loss gradient.
	Backward(outGrads []tensors.Tensor)

	// Outputs returns the output tensors, in ListOutputs order.
	Outputs() []tensors.Tensor

	// ArgArrays returns the bound argument tensors, in ListArguments order.
	ArgArrays() []tensors.Tensor

	// GradArrays returns the bound gradient tensors, parallel to ArgArrays,
	// nil where no gradient was required.
	GradArrays() []tensors.Tensor

	// AuxArrays returns the bound auxiliary-state tensors, in
	// ListAuxiliaryStates order.
	AuxArrays() []tensors.Tensor
}
