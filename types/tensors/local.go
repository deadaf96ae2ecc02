package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/types/shapes"
)

// Local is a tensor backed by host memory, the flat data laid out row-major --
// so a slice of the batch axis (axis 0) is a contiguous sub-slice of the flat data.
//
// It implements Tensor. The device is a tag: HostAllocator hands out Local
// tensors tagged with whatever device was requested.
type Local struct {
	shape shapes.Shape
	dev   devices.Device

	// flat is a slice of the Go type corresponding to shape.DType, with
	// shape.Size() elements. Views created by Slice share the backing array.
	flat any
}

// FromShape returns a zero-initialized Local tensor of the given shape, on cpu:0.
func FromShape(shape shapes.Shape) *Local {
	return FromShapeOn(devices.CPU(0), shape)
}

// FromShapeOn returns a zero-initialized Local tensor of the given shape, tagged
// with the given device.
func FromShapeOn(dev devices.Device, shape shapes.Shape) *Local {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShapeOn(%s, %s): invalid shape", dev, shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Local{shape: shape.Clone(), dev: dev, flat: flatV.Interface()}
}

// FromFlat creates a Local tensor on cpu:0 with the given flat data and dimensions.
// The dtype is taken from the Go type T. The flat slice is copied, not aliased.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Local {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: %d values provided for shape %s, which requires %d",
			len(flat), shape, shape.Size())
	}
	t := FromShapeOn(devices.CPU(0), shape)
	copy(t.flat.([]T), flat)
	return t
}

// FromValue creates a Local tensor on cpu:0 from a scalar or from nested Go
// slices, e.g. [][]float32. The dimensions are taken from the slice structure,
// which must be regular (same length at every level); the element type sets
// the dtype.
func FromValue(value any) *Local {
	v := reflect.ValueOf(value)
	baseType := v.Type()
	for baseType.Kind() == reflect.Slice {
		baseType = baseType.Elem()
	}
	dtype := dtypes.FromGoType(baseType)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.FromValue: unsupported element type %s", baseType)
	}
	var dims []int
	for w := v; w.Kind() == reflect.Slice; w = w.Index(0) {
		if w.Len() == 0 {
			exceptions.Panicf("tensors.FromValue: empty slice at axis %d", len(dims))
		}
		dims = append(dims, w.Len())
	}
	t := FromShape(shapes.Make(dtype, dims...))
	copyNested(reflect.ValueOf(t.flat), v, 0, dims)
	return t
}

// copyNested flattens v into flat starting at offset, returning the next
// offset. It panics when the slice structure does not match dims.
func copyNested(flat, v reflect.Value, offset int, dims []int) int {
	if v.Kind() != reflect.Slice {
		flat.Index(offset).Set(v)
		return offset + 1
	}
	if v.Len() != dims[0] {
		exceptions.Panicf("tensors.FromValue: irregular slice, got length %d where the first element had %d",
			v.Len(), dims[0])
	}
	if v.Type().Elem().Kind() != reflect.Slice {
		return offset + reflect.Copy(flat.Slice(offset, flat.Len()), v)
	}
	for i := 0; i < v.Len(); i++ {
		offset = copyNested(flat, v.Index(i), offset, dims[1:])
	}
	return offset
}

// FlatData returns the flat data of the tensor as a slice of T, which must match
// the tensor's dtype. The returned slice is the actual backing data, not a copy.
func FlatData[T dtypes.Supported](t *Local) []T {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.FlatData[%T] is incompatible with tensor's dtype %s", v, t.shape.DType)
	}
	return t.flat.([]T)
}

// Shape implements Tensor.
func (t *Local) Shape() shapes.Shape { return t.shape }

// Device implements Tensor.
func (t *Local) Device() devices.Device { return t.dev }

// CopyFrom implements Tensor: it copies the contents of src into t, in place.
// It panics if the shapes differ.
func (t *Local) CopyFrom(src Tensor) {
	if !t.shape.Equal(src.Shape()) {
		exceptions.Panicf("tensors.CopyFrom: cannot copy %s into %s, shapes differ", src.Shape(), t.shape)
	}
	reflect.Copy(reflect.ValueOf(t.flat), reflect.ValueOf(hostView(src).flat))
}

// Slice implements Tensor: a view over rows [from, to) of the batch axis, sharing
// the backing data.
func (t *Local) Slice(from, to int) Tensor {
	if t.shape.Rank() == 0 {
		exceptions.Panicf("tensors.Slice: scalar tensor %s has no batch axis", t.shape)
	}
	batch := t.shape.Batch()
	if from < 0 || to > batch || from >= to {
		exceptions.Panicf("tensors.Slice: invalid range [%d, %d) for batch axis with dimension %d", from, to, batch)
	}
	rowSize := t.shape.Size() / batch
	flatV := reflect.ValueOf(t.flat)
	return &Local{
		shape: t.shape.WithBatch(to - from),
		dev:   t.dev,
		flat:  flatV.Slice(from*rowSize, to*rowSize).Interface(),
	}
}

// ToHost implements Tensor: a freshly allocated copy on cpu:0.
func (t *Local) ToHost() *Local {
	out := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(out.flat), reflect.ValueOf(t.flat))
	return out
}

// String implements fmt.Stringer.
func (t *Local) String() string {
	return fmt.Sprintf("tensors.Local(%s @ %s)", t.shape, t.dev)
}

// hostView returns t itself when it is already a Local, otherwise a host copy.
func hostView(t Tensor) *Local {
	if l, ok := t.(*Local); ok {
		return l
	}
	return t.ToHost()
}
