/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a tensor, or the
// expected shape of a value still to be computed. DType indicates the type of
// the unit element of a tensor; its enumeration is defined in
// github.com/gomlx/gopjrt/dtypes.
//
// Throughout parexec the leading axis (axis 0) is the batch axis: mini-batches
// are split, scattered and merged along it. The Batch and WithBatch helpers
// manipulate that axis.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Axis 0 is the batch axis.
//   - Dimension: the size of a tensor in one of its axes.
//   - Scalar: a shape with no axes, only a single value of the associated DType.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor or of the value of a computation still
// to be executed.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Batch returns the dimension of the batch axis (axis 0).
// It panics for scalar shapes.
func (s Shape) Batch() int {
	if s.Rank() == 0 {
		exceptions.Panicf("Shape.Batch() called on scalar shape %s, which has no batch axis", s)
	}
	return s.Dimensions[0]
}

// WithBatch returns a copy of the shape with the batch axis (axis 0) dimension
// replaced by n. It panics for scalar shapes.
func (s Shape) WithBatch(n int) Shape {
	if s.Rank() == 0 {
		exceptions.Panicf("Shape.WithBatch(%d) called on scalar shape %s, which has no batch axis", n, s)
	}
	if n <= 0 {
		exceptions.Panicf("Shape.WithBatch(%d): batch dimension must be > 0", n)
	}
	s2 := s.Clone()
	s2.Dimensions[0] = n
	return s2
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is an interface for objects that have an associated Shape. Shape itself implements it.
type HasShape interface {
	Shape() Shape
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	if s.Rank() != s2.Rank() {
		return false
	}
	if s.IsScalar() {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// ConcatenateBatch returns the shape resulting from concatenating tensors of the
// given shapes along the batch axis. All shapes must agree on dtype and on every
// axis but the batch one, otherwise it panics.
func ConcatenateBatch(parts ...Shape) Shape {
	if len(parts) == 0 {
		exceptions.Panicf("shapes.ConcatenateBatch requires at least one shape")
	}
	result := parts[0].Clone()
	if result.Rank() == 0 {
		exceptions.Panicf("shapes.ConcatenateBatch: scalar shape %s has no batch axis", result)
	}
	for _, part := range parts[1:] {
		if part.DType != result.DType || part.Rank() != result.Rank() ||
			!slices.Equal(part.Dimensions[1:], result.Dimensions[1:]) {
			exceptions.Panicf("shapes.ConcatenateBatch: shape %s is not compatible with %s on the non-batch axes",
				part, parts[0])
		}
		result.Dimensions[0] += part.Dimensions[0]
	}
	return result
}

// Sprint pretty-prints a map of name->Shape, sorted by name. Used in error messages.
func Sprint(shapeMap map[string]Shape) string {
	names := make([]string, 0, len(shapeMap))
	for name := range shapeMap {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, shapeMap[name]))
	}
	return strings.Join(parts, ", ")
}
