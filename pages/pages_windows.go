//go:build windows

package pages

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// PageSize returns the granularity at which protection can be changed
func PageSize() int {
	return windows.Getpagesize()
}

func reserve(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func commit(region []byte, protection Protection) error {
	_, err := windows.VirtualAlloc(Address(region), uintptr(len(region)), windows.MEM_COMMIT, windowsProtection(protection))
	return err
}

func decommit(region []byte) error {
	return windows.VirtualFree(Address(region), uintptr(len(region)), windows.MEM_DECOMMIT)
}

func release(region []byte) error {
	// MEM_RELEASE requires a size of 0 and frees the whole reservation
	return windows.VirtualFree(Address(region), 0, windows.MEM_RELEASE)
}

func protect(region []byte, protection Protection) error {
	var old uint32
	return windows.VirtualProtect(Address(region), uintptr(len(region)), windowsProtection(protection), &old)
}

func windowsProtection(protection Protection) uint32 {
	read := protection&ProtectionRead != 0
	write := protection&ProtectionWrite != 0
	execute := protection&ProtectionExecute != 0

	switch {
	case execute && write:
		return windows.PAGE_EXECUTE_READWRITE
	case execute && read:
		return windows.PAGE_EXECUTE_READ
	case execute:
		return windows.PAGE_EXECUTE
	case write:
		return windows.PAGE_READWRITE
	case read:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}
