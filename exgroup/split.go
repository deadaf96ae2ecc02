package exgroup

import "fmt"

// Range is a contiguous half-open range [Start, End) of rows of the batch axis,
// assigned to one device.
type Range struct {
	Start, End int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.End - r.Start }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// SplitBatch partitions the batch axis [0, batchSize) into numDevices
// contiguous ranges. The ranges cover the batch exactly, without overlap, and
// their lengths differ by at most one: the first batchSize%numDevices ranges
// take the extra row.
//
// Precondition: 1 <= numDevices <= batchSize. Workload-aware (uneven by device
// speed) splitting is a future extension of this policy.
func SplitBatch(batchSize, numDevices int) []Range {
	per := batchSize / numDevices
	extra := batchSize % numDevices
	result := make([]Range, numDevices)
	start := 0
	for i := range result {
		size := per
		if i < extra {
			size++
		}
		result[i] = Range{Start: start, End: start + size}
		start += size
	}
	return result
}
