// Package tensors defines the narrow tensor interface the executor-group
// coordination layer consumes, and a host-memory implementation of it.
//
// The actual array engine (the thing that computes forward/backward on
// accelerators) lives outside this module: it provides tensors through the
// Allocator interface, and parexec only ever slices, copies, concatenates and
// averages them. Local is the host-side implementation, used for staging
// (merging outputs, averaging parameters across devices) and by tests.
package tensors

import (
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/types/shapes"
)

// Tensor is a dense array owned by some device.
//
// It is a narrow view of whatever the array engine uses for storage: enough to
// scatter batches into it, copy values across devices and stage data on the host.
// To simplify error handling, implementations are expected to panic with a stack
// trace on invalid use (e.g. shape mismatch on CopyFrom) -- see package
// github.com/gomlx/exceptions.
type Tensor interface {
	// Shape of the tensor.
	Shape() shapes.Shape

	// Device that owns the tensor storage.
	Device() devices.Device

	// CopyFrom copies the contents of src into the tensor, in place.
	// Shapes must be equal; devices may differ (this is how values cross
	// device boundaries).
	CopyFrom(src Tensor)

	// Slice returns a view over rows [from, to) of the batch axis (axis 0).
	// The view shares storage with the tensor: writing through it writes
	// through to the original.
	Slice(from, to int) Tensor

	// ToHost returns a freshly allocated host copy of the tensor.
	ToHost() *Local
}

// Allocator is the array engine's allocation entry point: it creates
// zero-initialized device tensors. The executor binder uses it for argument,
// auxiliary and gradient storage.
type Allocator interface {
	Zeros(shape shapes.Shape, dev devices.Device) Tensor
}

// HostAllocator implements Allocator backed by host (Go heap) memory.
// Device assignments are tags only. It serves CPU-only engines and tests.
type HostAllocator struct{}

// Zeros implements Allocator.
func (HostAllocator) Zeros(shape shapes.Shape, dev devices.Device) Tensor {
	return FromShapeOn(dev, shape)
}
