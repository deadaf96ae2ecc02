package exgroup

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/parexec/types/tensors"
)

// ScatterTarget is one device's share of a named input: the rows Range of the
// batch go into the device-local tensor To.
type ScatterTarget struct {
	Range Range
	To    tensors.Tensor
}

// SlicedView is the scatter plan for one named data or label input: one target
// per device, in device order. Many sliced views reference the same underlying
// per-device argument arrays; the group owns the storage.
type SlicedView struct {
	Name    string
	Targets []ScatterTarget
}

// DataProvider feeds mini-batches into the per-device sliced views. The batch
// value is opaque to the group; only the provider interprets it.
type DataProvider interface {
	// LoadData scatters the batch's data inputs into the views.
	LoadData(batch any, views []SlicedView)

	// LoadLabel scatters the batch's label inputs into the views.
	LoadLabel(batch any, views []SlicedView)

	// Labels returns the batch's label tensors by name, for metric updates.
	Labels(batch any) map[string]tensors.Tensor
}

// Metric accumulates an evaluation metric from labels and merged outputs.
type Metric interface {
	Update(labels map[string]tensors.Tensor, outputs []tensors.Tensor)
}

// Scatter copies, for every view, the view's batch rows from the named
// full-batch tensor into each device target. It is the building block for
// DataProvider implementations.
func Scatter(values map[string]tensors.Tensor, views []SlicedView) {
	for _, view := range views {
		full, found := values[view.Name]
		if !found {
			exceptions.Panicf("exgroup: batch is missing input %q", view.Name)
		}
		for _, target := range view.Targets {
			target.To.CopyFrom(full.Slice(target.Range.Start, target.Range.End))
		}
	}
}

// ArrayBatch is an in-memory mini-batch: full-batch tensors keyed by input
// name. Served by ArrayProvider.
type ArrayBatch struct {
	Data   map[string]tensors.Tensor
	Labels map[string]tensors.Tensor
}

// ArrayProvider is the DataProvider for ArrayBatch batches.
type ArrayProvider struct{}

func asArrayBatch(batch any) *ArrayBatch {
	b, ok := batch.(*ArrayBatch)
	if !ok {
		exceptions.Panicf("exgroup: ArrayProvider given a %T batch, expected *ArrayBatch", batch)
	}
	return b
}

// LoadData implements DataProvider.
func (ArrayProvider) LoadData(batch any, views []SlicedView) {
	Scatter(asArrayBatch(batch).Data, views)
}

// LoadLabel implements DataProvider.
func (ArrayProvider) LoadLabel(batch any, views []SlicedView) {
	Scatter(asArrayBatch(batch).Labels, views)
}

// Labels implements DataProvider.
func (ArrayProvider) Labels(batch any) map[string]tensors.Tensor {
	return asArrayBatch(batch).Labels
}
