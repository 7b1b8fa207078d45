// Package batch splits an ordered work list into numbered, fixed-size batches.
package batch

import "fmt"

// Batch is a contiguous slice of the input. Number is 1-based and depends
// only on position, so the same input and size always give the same numbering.
type Batch[T any] struct {
	Number  int
	Members []T
}

// Plan partitions items into batches of size. The last batch may be short.
// Items are never filtered or reordered.
func Plan[T any](items []T, size int) ([]Batch[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	batches := make([]Batch[T], 0, Count(len(items), size))
	for start, n := 0, 1; start < len(items); start, n = start+size, n+1 {
		end := min(start+size, len(items))
		batches = append(batches, Batch[T]{Number: n, Members: items[start:end:end]})
	}
	return batches, nil
}

// Count returns how many batches Plan would produce.
func Count(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
