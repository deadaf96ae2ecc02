package exgroup

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/types/tensors"
	"k8s.io/klog/v2"
)

// bindAll allocates per-device argument, gradient and auxiliary storage and
// binds one executor per device. When a shared group is present, parameter and
// auxiliary storage is reused (aliased) from it instead of allocated.
//
// Binding is one atomic allocation step per device; a failure on any device is
// fatal to the whole group, nothing is rolled back.
func (g *ExecutorGroup) bindAll(res *resolvedShapes) {
	if g.shared != nil {
		if len(g.shared.devs) != len(g.devs) {
			exceptions.Panicf("exgroup: shared group has %d device(s), this group has %d -- parameter sharing requires the same device set",
				len(g.shared.devs), len(g.devs))
		}
		for d, dev := range g.devs {
			if g.shared.devs[d] != dev {
				exceptions.Panicf("exgroup: shared group device %d is %s, this group's is %s -- parameter sharing requires the same device set",
					d, g.shared.devs[d], dev)
			}
		}
	}

	numDevices := len(g.devs)
	g.argArrays = make([][]tensors.Tensor, numDevices)
	g.gradArrays = make([][]tensors.Tensor, numDevices)
	g.auxArrays = make([][]tensors.Tensor, numDevices)
	g.execs = make([]graphs.Executor, numDevices)
	var allocated uintptr
	for d, dev := range g.devs {
		args := make([]tensors.Tensor, len(g.argNames))
		grads := make([]tensors.Tensor, len(g.argNames))
		for i, name := range g.argNames {
			shape := res.perDeviceArgs[d][i]
			if paramIdx, isParam := g.paramIdx[name]; isParam && g.shared != nil {
				reused := g.shared.paramBlocks[paramIdx][d]
				if !reused.Shape().Equal(shape) {
					exceptions.Panicf("exgroup: shared group parameter %q has shape %s, this group needs %s",
						name, reused.Shape(), shape)
				}
				args[i] = reused
			} else {
				args[i] = g.alloc.Zeros(shape, dev)
				allocated += shape.Memory()
			}
			if g.gradReq[name].NeedsGrad() {
				grads[i] = g.alloc.Zeros(shape, dev)
				allocated += shape.Memory()
			}
		}
		aux := make([]tensors.Tensor, len(g.auxNames))
		for i, name := range g.auxNames {
			shape := res.perDeviceAux[d][i]
			if g.shared != nil {
				reused := g.shared.auxBlocks[i][d]
				if !reused.Shape().Equal(shape) {
					exceptions.Panicf("exgroup: shared group auxiliary state %q has shape %s, this group needs %s",
						name, reused.Shape(), shape)
				}
				aux[i] = reused
			} else {
				aux[i] = g.alloc.Zeros(shape, dev)
				allocated += shape.Memory()
			}
		}
		g.argArrays[d] = args
		g.gradArrays[d] = grads
		g.auxArrays[d] = aux
		g.execs[d] = g.symbol.Bind(dev, args, grads, g.gradReq, aux)
	}
	klog.V(1).Infof("exgroup: bound %d executor(s), %s of device storage allocated",
		numDevices, humanize.Bytes(uint64(allocated)))
}
