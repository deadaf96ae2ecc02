// Package devices identifies execution targets -- CPU or accelerator devices -- that
// executors are bound against.
//
// A Device is a plain value (kind plus ordinal) and is only interpreted by the array
// engine behind the tensors.Allocator and graphs.Symbol.Bind interfaces; this package
// attaches no semantics to it beyond identity and ordering.
package devices

import "fmt"

// Kind of device: CPU or an accelerator.
type Kind int

const (
	KindCPU Kind = iota
	KindGPU
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Device is an execution target owning its own memory space. The Ordinal
// disambiguates among devices of the same kind.
type Device struct {
	Kind    Kind
	Ordinal int
}

// CPU returns the CPU device with the given ordinal.
func CPU(ordinal int) Device { return Device{Kind: KindCPU, Ordinal: ordinal} }

// GPU returns the GPU device with the given ordinal.
func GPU(ordinal int) Device { return Device{Kind: KindGPU, Ordinal: ordinal} }

// String implements fmt.Stringer, printing as "gpu:1" or "cpu:0".
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}
