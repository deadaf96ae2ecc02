package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/types/shapes"
	"github.com/x448/float16"
)

// Fill sets every element of the tensor to the given value, converted to the
// tensor's dtype.
func (t *Local) Fill(value float64) {
	switch t.shape.DType {
	case dtypes.Float64:
		fillFlat[float64](t, value)
	case dtypes.Float32:
		fillFlat[float32](t, value)
	case dtypes.Float16:
		flat := FlatData[float16.Float16](t)
		v := float16.Fromfloat32(float32(value))
		for i := range flat {
			flat[i] = v
		}
	case dtypes.Int8:
		fillFlat[int8](t, value)
	case dtypes.Int16:
		fillFlat[int16](t, value)
	case dtypes.Int32:
		fillFlat[int32](t, value)
	case dtypes.Int64:
		fillFlat[int64](t, value)
	case dtypes.Uint8:
		fillFlat[uint8](t, value)
	case dtypes.Uint16:
		fillFlat[uint16](t, value)
	case dtypes.Uint32:
		fillFlat[uint32](t, value)
	case dtypes.Uint64:
		fillFlat[uint64](t, value)
	default:
		exceptions.Panicf("tensors.Fill: dtype %s not supported", t.shape.DType)
	}
}

func fillFlat[T dtypes.NumberNotComplex](t *Local, value float64) {
	flat := FlatData[T](t)
	v := T(value)
	for i := range flat {
		flat[i] = v
	}
}

// Sum writes into dst the elementwise sum of parts. All tensors involved must
// share the same shape. dst is mutated in place, never reallocated.
func Sum(dst Tensor, parts []Tensor) {
	reduce(dst, parts, false)
}

// Mean writes into dst the elementwise average of parts. All tensors involved
// must share the same shape. dst is mutated in place, never reallocated.
func Mean(dst Tensor, parts []Tensor) {
	reduce(dst, parts, true)
}

func reduce(dst Tensor, parts []Tensor, mean bool) {
	if len(parts) == 0 {
		exceptions.Panicf("tensors: reduction over an empty list of tensors")
	}
	shape := parts[0].Shape()
	for _, part := range parts[1:] {
		if !part.Shape().Equal(shape) {
			exceptions.Panicf("tensors: reduction over tensors of different shapes, %s and %s",
				shape, part.Shape())
		}
	}
	if !dst.Shape().Equal(shape) {
		exceptions.Panicf("tensors: reduction destination has shape %s, parts have shape %s",
			dst.Shape(), shape)
	}
	hosts := make([]*Local, len(parts))
	for i, part := range parts {
		hosts[i] = hostView(part)
	}
	out := FromShape(shape)
	switch shape.DType {
	case dtypes.Float64:
		reduceFlat[float64](out, hosts, mean)
	case dtypes.Float32:
		reduceFlat[float32](out, hosts, mean)
	case dtypes.Float16:
		reduceFloat16(out, hosts, mean)
	case dtypes.Int8:
		reduceFlat[int8](out, hosts, mean)
	case dtypes.Int16:
		reduceFlat[int16](out, hosts, mean)
	case dtypes.Int32:
		reduceFlat[int32](out, hosts, mean)
	case dtypes.Int64:
		reduceFlat[int64](out, hosts, mean)
	case dtypes.Uint8:
		reduceFlat[uint8](out, hosts, mean)
	case dtypes.Uint16:
		reduceFlat[uint16](out, hosts, mean)
	case dtypes.Uint32:
		reduceFlat[uint32](out, hosts, mean)
	case dtypes.Uint64:
		reduceFlat[uint64](out, hosts, mean)
	default:
		exceptions.Panicf("tensors: reduction not supported for dtype %s", shape.DType)
	}
	dst.CopyFrom(out)
}

func reduceFlat[T dtypes.NumberNotComplex](out *Local, hosts []*Local, mean bool) {
	acc := FlatData[T](out)
	for _, h := range hosts {
		for i, v := range FlatData[T](h) {
			acc[i] += v
		}
	}
	if mean {
		n := T(len(hosts))
		for i := range acc {
			acc[i] /= n
		}
	}
}

// reduceFloat16 accumulates in float32 to avoid the very limited float16 range.
func reduceFloat16(out *Local, hosts []*Local, mean bool) {
	acc := make([]float32, out.shape.Size())
	for _, h := range hosts {
		for i, v := range FlatData[float16.Float16](h) {
			acc[i] += v.Float32()
		}
	}
	outFlat := FlatData[float16.Float16](out)
	n := float32(len(hosts))
	for i, v := range acc {
		if mean {
			v /= n
		}
		outFlat[i] = float16.Fromfloat32(v)
	}
}

// Concat concatenates parts along the batch axis (axis 0) into a freshly
// allocated host tensor. It never aliases the inputs.
func Concat(parts []Tensor) *Local {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Concat: no tensors to concatenate")
	}
	partShapes := make([]shapes.Shape, len(parts))
	for i, part := range parts {
		partShapes[i] = part.Shape()
	}
	out := FromShape(shapes.ConcatenateBatch(partShapes...))
	outV := reflect.ValueOf(out.flat)
	offset := 0
	for _, part := range parts {
		partV := reflect.ValueOf(hostView(part).flat)
		reflect.Copy(outV.Slice(offset, offset+partV.Len()), partV)
		offset += partV.Len()
	}
	return out
}
