package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Alignment is the alignment unit of every block header and payload in the heap
const Alignment uintptr = 8

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value uintptr, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}

// IsAligned returns true if value is a multiple of alignment
func IsAligned(value uintptr, alignment uintptr) bool {
	return value&(alignment-1) == 0
}

// Validatable is anything DebugValidate can check, such as a heap's block metadata
type Validatable interface {
	Validate() error
}
