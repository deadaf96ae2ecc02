// Package exgroup coordinates data-parallel execution of a computation graph
// across multiple devices.
//
// An ExecutorGroup partitions the batch axis into per-device slices, resolves
// per-device storage shapes through the graph's own inference, binds one
// executor per device against shared parameter semantics, and merges outputs
// and gradients back into a single logical view. Parameter updates go either
// through a per-device updater function or through a kvstore.Store.
//
// The group assumes a single writer: one goroutine drives Forward, Backward
// and the update calls sequentially. Per-device executors may well run
// concurrently underneath (that is the engine's business), the group only
// guarantees that all input scatter completes before any device's forward
// call is issued.
//
// To simplify error handling, fatal conditions panic with a stack trace (see
// package github.com/gomlx/exceptions); NewChecked converts construction
// panics to errors for callers that prefer them.
package exgroup

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/kvstore"
	"github.com/gomlx/parexec/types"
	"github.com/gomlx/parexec/types/shapes"
	"github.com/gomlx/parexec/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for New. Symbol, Allocator, Devices and DataShapes are required.
type Config struct {
	// Symbol is the graph definition, shared (immutable) by all executors.
	Symbol graphs.Symbol

	// Allocator is the array engine's allocation entry point.
	Allocator tensors.Allocator

	// Devices to bind executors on, one executor per device, in order.
	Devices []devices.Device

	// DataShapes maps data input names to their full-batch shapes. The leading
	// (batch) dimension must agree across all data and label shapes.
	DataShapes map[string]shapes.Shape

	// LabelShapes maps label input names to their full-batch shapes. Optional.
	LabelShapes map[string]shapes.Shape

	// ForTraining binds the group for training: gradients are allocated and
	// Backward is allowed.
	ForTraining bool

	// InputsNeedGrad additionally computes gradients w.r.t. the data inputs,
	// exposed through InputGrads. Requires ForTraining.
	InputsNeedGrad bool

	// Shared, if set, makes this group reuse (alias) the parameter and
	// auxiliary storage of another group -- e.g. an evaluation group sharing
	// weights with the training group. Updates through either group are
	// visible through both; callers must serialize access externally.
	Shared *ExecutorGroup

	// Freeze selects the frozen parameters. Defaults to AttrDerived.
	Freeze FreezePolicy

	// DefaultGradReq is the requirement for non-frozen parameters (and inputs
	// when InputsNeedGrad). Defaults to GradReqWrite when ForTraining.
	DefaultGradReq graphs.GradReq
}

// ExecutorGroup owns one executor per device plus all the per-device storage
// they are bound to, and is the single logical view over them.
type ExecutorGroup struct {
	symbol graphs.Symbol
	alloc  tensors.Allocator
	devs   []devices.Device
	execs  []graphs.Executor
	shared *ExecutorGroup

	forTraining    bool
	inputsNeedGrad bool

	batchSize int
	ranges    []Range

	argNames, auxNames, outNames []string
	dataNames, labelNames        []string
	paramNames                   []string
	argIdx, auxIdx, paramIdx     map[string]int

	gradReq   map[string]graphs.GradReq
	freezeIdx types.Set[int]

	// Exclusively owned per-device storage, indexed [device][slot]. Executors
	// hold references into it; overwritten in place, never reallocated.
	argArrays, gradArrays, auxArrays [][]tensors.Tensor

	// Logical blocks, indexed [slot][device]; they alias the arrays above.
	paramBlocks, gradBlocks, auxBlocks [][]tensors.Tensor

	dataViews, labelViews []SlicedView
}

// New constructs an ExecutorGroup. It panics (with stack) on any construction
// error: underdetermined shape/type inference, batch-size mismatch across the
// provided shapes, unknown input names, or invalid configuration.
func New(cfg Config) *ExecutorGroup {
	if cfg.Symbol == nil || cfg.Allocator == nil {
		exceptions.Panicf("exgroup: Config.Symbol and Config.Allocator are required")
	}
	if len(cfg.Devices) == 0 {
		exceptions.Panicf("exgroup: Config.Devices must list at least one device")
	}
	if len(cfg.DataShapes) == 0 {
		exceptions.Panicf("exgroup: Config.DataShapes must list at least one data input")
	}
	if cfg.InputsNeedGrad && !cfg.ForTraining {
		exceptions.Panicf("exgroup: Config.InputsNeedGrad requires Config.ForTraining")
	}
	g := &ExecutorGroup{
		symbol:         cfg.Symbol,
		alloc:          cfg.Allocator,
		devs:           cfg.Devices,
		shared:         cfg.Shared,
		forTraining:    cfg.ForTraining,
		inputsNeedGrad: cfg.InputsNeedGrad,
	}

	g.argNames = cfg.Symbol.ListArguments()
	g.auxNames = cfg.Symbol.ListAuxiliaryStates()
	g.outNames = cfg.Symbol.ListOutputs()
	g.argIdx = indexByName(g.argNames)
	g.auxIdx = indexByName(g.auxNames)

	// Data, label and parameter names, all in graph-argument order.
	inputNames := types.MakeSet[string](len(cfg.DataShapes) + len(cfg.LabelShapes))
	for name := range cfg.DataShapes {
		if _, found := g.argIdx[name]; !found {
			exceptions.Panicf("exgroup: data input %q is not an argument of the graph", name)
		}
		inputNames.Insert(name)
	}
	for name := range cfg.LabelShapes {
		if _, found := g.argIdx[name]; !found {
			exceptions.Panicf("exgroup: label input %q is not an argument of the graph", name)
		}
		inputNames.Insert(name)
	}
	for _, name := range g.argNames {
		switch {
		case cfg.DataShapes[name].Ok():
			g.dataNames = append(g.dataNames, name)
		case cfg.LabelShapes[name].Ok():
			g.labelNames = append(g.labelNames, name)
		default:
			g.paramNames = append(g.paramNames, name)
		}
	}
	g.paramIdx = indexByName(g.paramNames)

	// All inputs must agree on the batch dimension, which the splitter then
	// partitions across devices.
	inputShapes := make(map[string]shapes.Shape, len(inputNames))
	g.batchSize = -1
	for _, shapeMap := range []map[string]shapes.Shape{cfg.DataShapes, cfg.LabelShapes} {
		for name, shape := range shapeMap {
			inputShapes[name] = shape
			if g.batchSize < 0 {
				g.batchSize = shape.Batch()
			} else if shape.Batch() != g.batchSize {
				exceptions.Panicf("exgroup: input %q has batch dimension %d, other inputs have %d -- all inputs must share the batch dimension",
					name, shape.Batch(), g.batchSize)
			}
		}
	}
	g.ranges = SplitBatch(g.batchSize, len(g.devs))

	freeze := cfg.Freeze
	if freeze == nil {
		freeze = AttrDerived{}
	}
	defaultReq := cfg.DefaultGradReq
	if !cfg.ForTraining {
		defaultReq = graphs.GradReqNull
	} else if defaultReq == graphs.GradReqNull {
		defaultReq = graphs.GradReqWrite
	}
	g.gradReq, g.freezeIdx = planGradReq(g.argNames, g.paramNames, inputNames,
		cfg.InputsNeedGrad, freeze.FrozenParams(cfg.Symbol), defaultReq)

	resolved := resolveShapes(cfg.Symbol, inputShapes, g.ranges)
	g.bindAll(resolved)
	g.buildBlocks()
	g.buildViews()

	klog.V(1).Infof("exgroup: new group over %v, batch=%d, %d parameter(s), %d frozen, training=%v",
		g.devs, g.batchSize, len(g.paramNames), len(g.freezeIdx), g.forTraining)
	return g
}

// NewChecked is like New, but converts construction panics into errors.
func NewChecked(cfg Config) (g *ExecutorGroup, err error) {
	err = exceptions.TryCatch[error](func() { g = New(cfg) })
	if err != nil {
		err = errors.WithMessage(err, "exgroup.NewChecked")
		g = nil
	}
	return
}

func indexByName(names []string) map[string]int {
	result := make(map[string]int, len(names))
	for i, name := range names {
		result[name] = i
	}
	return result
}

// buildBlocks assembles the logical per-parameter and per-auxiliary blocks:
// for each slot, the ordered list of per-device arrays holding it.
func (g *ExecutorGroup) buildBlocks() {
	g.paramBlocks = make([][]tensors.Tensor, len(g.paramNames))
	g.gradBlocks = make([][]tensors.Tensor, len(g.paramNames))
	for i, name := range g.paramNames {
		argI := g.argIdx[name]
		g.paramBlocks[i] = make([]tensors.Tensor, len(g.devs))
		g.gradBlocks[i] = make([]tensors.Tensor, len(g.devs))
		for d := range g.devs {
			g.paramBlocks[i][d] = g.argArrays[d][argI]
			g.gradBlocks[i][d] = g.gradArrays[d][argI]
		}
	}
	g.auxBlocks = make([][]tensors.Tensor, len(g.auxNames))
	for i := range g.auxNames {
		g.auxBlocks[i] = make([]tensors.Tensor, len(g.devs))
		for d := range g.devs {
			g.auxBlocks[i][d] = g.auxArrays[d][i]
		}
	}
}

// buildViews assembles the scatter plans for the data and label inputs.
func (g *ExecutorGroup) buildViews() {
	build := func(names []string) []SlicedView {
		views := make([]SlicedView, len(names))
		for i, name := range names {
			argI := g.argIdx[name]
			targets := make([]ScatterTarget, len(g.devs))
			for d, r := range g.ranges {
				targets[d] = ScatterTarget{Range: r, To: g.argArrays[d][argI]}
			}
			views[i] = SlicedView{Name: name, Targets: targets}
		}
		return views
	}
	g.dataViews = build(g.dataNames)
	g.labelViews = build(g.labelNames)
}

// Forward scatters the batch into the per-device sliced views and issues the
// forward computation on every executor. train is optional and defaults to the
// group's training mode; when training and label inputs exist, labels are
// scattered too.
//
// All scatter completes before any device's forward call is issued. There is no
// completion barrier: if the engine executes asynchronously, devices may still
// be computing when Forward returns.
func (g *ExecutorGroup) Forward(provider DataProvider, batch any, train ...bool) {
	isTrain := g.forTraining
	if len(train) > 0 {
		isTrain = train[0]
	}
	provider.LoadData(batch, g.dataViews)
	if isTrain && len(g.labelNames) > 0 {
		provider.LoadLabel(batch, g.labelViews)
	}
	klog.V(2).Infof("exgroup: forward, train=%v", isTrain)
	for _, exec := range g.execs {
		exec.Forward(isTrain)
	}
}

// Backward issues the backward computation on every executor. outGrads carries
// zero or more output gradients; each is copied (never aliased) into every
// device's context first, since each device's backward consumes its own
// gradient buffer.
func (g *ExecutorGroup) Backward(outGrads []tensors.Tensor) {
	if !g.forTraining {
		exceptions.Panicf("exgroup: Backward on a group not bound for training")
	}
	klog.V(2).Infof("exgroup: backward with %d output gradient(s)", len(outGrads))
	for d, exec := range g.execs {
		deviceGrads := make([]tensors.Tensor, len(outGrads))
		for i, grad := range outGrads {
			deviceGrads[i] = g.alloc.Zeros(grad.Shape(), g.devs[d])
			deviceGrads[i].CopyFrom(grad)
		}
		exec.Backward(deviceGrads)
	}
}

// SetParams copies the named parameter and auxiliary tensors into every
// device's bound storage. A name not in the group's argument (or auxiliary)
// set is fatal, unless allowExtra is true, in which case it is silently
// ignored.
func (g *ExecutorGroup) SetParams(argParams, auxParams map[string]tensors.Tensor, allowExtra bool) {
	for name, value := range argParams {
		idx, found := g.argIdx[name]
		if !found {
			if allowExtra {
				continue
			}
			exceptions.Panicf("exgroup: SetParams given %q, which is not an argument of the graph", name)
		}
		for d := range g.devs {
			g.argArrays[d][idx].CopyFrom(value)
		}
	}
	for name, value := range auxParams {
		idx, found := g.auxIdx[name]
		if !found {
			if allowExtra {
				continue
			}
			exceptions.Panicf("exgroup: SetParams given %q, which is not an auxiliary state of the graph", name)
		}
		for d := range g.devs {
			g.auxArrays[d][idx].CopyFrom(value)
		}
	}
}

// UpdateParams applies one update step to every non-frozen parameter.
//
// With a store, each parameter's gradient block is pushed under its parameter
// index with priority -index (earlier parameters more urgent), then either the
// aggregated weights are pulled back (updateOnKVStore) or the aggregated
// gradients are (local updates), overwriting the same storage in place.
//
// Local updates invoke updater once per (parameter, device) pair with the
// synthesized key index*numDevices+deviceIndex, so per-key updater state never
// collides across devices or parameters.
//
// Frozen parameters are skipped entirely: not pushed, not pulled, not updated.
func (g *ExecutorGroup) UpdateParams(updater kvstore.Updater, updateOnKVStore bool, store kvstore.Store) {
	if updateOnKVStore && store == nil {
		exceptions.Panicf("exgroup: UpdateParams with updateOnKVStore requires a store")
	}
	if !updateOnKVStore && updater == nil {
		exceptions.Panicf("exgroup: UpdateParams without updateOnKVStore requires an updater")
	}
	numDevices := len(g.devs)
	for idx := range g.paramNames {
		if g.freezeIdx.Has(idx) {
			continue
		}
		if store != nil {
			store.Push(idx, g.gradBlocks[idx], -idx)
			if updateOnKVStore {
				store.Pull(idx, g.paramBlocks[idx], -idx)
			} else {
				store.Pull(idx, g.gradBlocks[idx], -idx)
			}
		}
		if !updateOnKVStore {
			for d := range g.devs {
				updater(idx*numDevices+d, g.gradBlocks[idx][d], g.paramBlocks[idx][d])
			}
		}
	}
}

// GetParams copies every parameter and auxiliary state to the host, averages
// it elementwise across devices, and writes the average into the caller-owned
// destination tensors, in place. Every parameter and auxiliary name must have
// a destination.
func (g *ExecutorGroup) GetParams(argParamsOut, auxParamsOut map[string]tensors.Tensor) {
	for idx, name := range g.paramNames {
		dst, found := argParamsOut[name]
		if !found {
			exceptions.Panicf("exgroup: GetParams has no destination for parameter %q", name)
		}
		tensors.Mean(dst, g.paramBlocks[idx])
	}
	for idx, name := range g.auxNames {
		dst, found := auxParamsOut[name]
		if !found {
			exceptions.Panicf("exgroup: GetParams has no destination for auxiliary state %q", name)
		}
		tensors.Mean(dst, g.auxBlocks[idx])
	}
}

// UpdateMetric feeds the batch's labels and the merged outputs into the
// metric's accumulation interface.
func (g *ExecutorGroup) UpdateMetric(metric Metric, provider DataProvider, batch any) {
	metric.Update(provider.Labels(batch), g.Outputs())
}

// DeviceOutputs returns, for each output slot, the per-device output tensors,
// unmerged, indexed [slot][device].
func (g *ExecutorGroup) DeviceOutputs() [][]tensors.Tensor {
	result := make([][]tensors.Tensor, len(g.outNames))
	for slot := range result {
		parts := make([]tensors.Tensor, len(g.execs))
		for d, exec := range g.execs {
			parts[d] = exec.Outputs()[slot]
		}
		result[slot] = parts
	}
	return result
}

// Outputs returns, for each output slot, the per-device outputs concatenated
// along the batch axis into one logical tensor. The result is freshly
// allocated, never aliasing device storage.
func (g *ExecutorGroup) Outputs() []tensors.Tensor {
	perDevice := g.DeviceOutputs()
	merged := make([]tensors.Tensor, len(perDevice))
	for slot, parts := range perDevice {
		merged[slot] = tensors.Concat(parts)
	}
	return merged
}

// DeviceInputGrads returns, for each data input, the per-device gradient
// tensors, indexed [input][device]. Empty when the group was not bound with
// InputsNeedGrad.
func (g *ExecutorGroup) DeviceInputGrads() [][]tensors.Tensor {
	if !g.inputsNeedGrad {
		return nil
	}
	result := make([][]tensors.Tensor, len(g.dataNames))
	for i, name := range g.dataNames {
		argI := g.argIdx[name]
		parts := make([]tensors.Tensor, len(g.devs))
		for d := range g.devs {
			parts[d] = g.gradArrays[d][argI]
		}
		result[i] = parts
	}
	return result
}

// InputGrads returns, for each data input, the per-device gradients merged
// along the batch axis. Empty when the group was not bound with
// InputsNeedGrad.
func (g *ExecutorGroup) InputGrads() []tensors.Tensor {
	perDevice := g.DeviceInputGrads()
	merged := make([]tensors.Tensor, len(perDevice))
	for i, parts := range perDevice {
		merged[i] = tensors.Concat(parts)
	}
	return merged
}

// OutputShapes maps each output name to its single-device (unmerged) shape, as
// bound on the first device.
func (g *ExecutorGroup) OutputShapes() map[string]shapes.Shape {
	outputs := g.execs[0].Outputs()
	result := make(map[string]shapes.Shape, len(g.outNames))
	for i, name := range g.outNames {
		result[name] = outputs[i].Shape()
	}
	return result
}

// Devices returns the group's device list, in executor order.
func (g *ExecutorGroup) Devices() []devices.Device { return g.devs }

// Executors returns the per-device executors, in device order.
func (g *ExecutorGroup) Executors() []graphs.Executor { return g.execs }

// BatchSize returns the full (unsplit) batch size.
func (g *ExecutorGroup) BatchSize() int { return g.batchSize }

// Ranges returns the per-device slices of the batch axis.
func (g *ExecutorGroup) Ranges() []Range { return g.ranges }

// ParamNames returns the trainable parameter names, in graph-argument order.
// Parameter indices (e.g. in FrozenParamIndices) point into this list.
func (g *ExecutorGroup) ParamNames() []string { return g.paramNames }

// GradReqs returns the gradient requirement of every graph argument.
// The returned map is the group's own; treat it as read-only.
func (g *ExecutorGroup) GradReqs() map[string]graphs.GradReq { return g.gradReq }

// FrozenParamIndices returns the positions in ParamNames of the frozen
// parameters, stable for the lifetime of the group. Treat it as read-only.
func (g *ExecutorGroup) FrozenParamIndices() types.Set[int] { return g.freezeIdx }

// ParamBlock returns the per-device arrays holding parameter idx.
func (g *ExecutorGroup) ParamBlock(idx int) []tensors.Tensor { return g.paramBlocks[idx] }

// GradBlock returns the per-device gradient arrays of parameter idx; entries
// are nil for frozen parameters (no gradient storage is allocated for them).
func (g *ExecutorGroup) GradBlock(idx int) []tensors.Tensor { return g.gradBlocks[idx] }
