package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidArgumentError is the error returned when a request can never be satisfied as written: a zero-size
// allocation, an element count and size whose product overflows, or a pointer that does not belong to a
// live allocation.
var InvalidArgumentError error = errors.New("invalid argument")

// ExhaustionError is the error returned when the heap could not be grown to satisfy an allocation. The heap is
// left exactly as it was before the failed call.
var ExhaustionError error = errors.New("heap exhausted")

// CorruptionError is the error returned when a block header no longer holds the values the allocator wrote
// into it, usually because a caller wrote past the end of an allocation.
var CorruptionError error = errors.New("heap corruption detected")
