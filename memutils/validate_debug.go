//go:build debug_mem_utils

package memutils

import "fmt"

// DebugEnabled is true when memutils is built with the debug_mem_utils build tag
const DebugEnabled = true

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckAligned will verify that the value passed in is a multiple of Alignment, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckAligned(value uintptr, name string) {
	if !IsAligned(value, Alignment) {
		panic(fmt.Sprintf("%s is %d, which is not a multiple of %d", name, value, Alignment))
	}
}
