//go:build debug_mem_utils

package memutils

import (
	"encoding/binary"
)

const (
	// DebugEnabled reports whether the debug_mem_utils build tag is present
	DebugEnabled bool = true
	// releasedMemoryMagicValue is a 4-byte pattern written across memory that has been handed back
	releasedMemoryMagicValue uint32 = 0x7F84E666
)

// DebugFill overwrites the provided memory with an easy-to-identify marker so that stale reads
// of released memory stand out. This method no-ops unless the debug_mem_utils build tag is present.
func DebugFill(data []byte) {
	for len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, releasedMemoryMagicValue)
		data = data[4:]
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
