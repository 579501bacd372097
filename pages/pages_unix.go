//go:build unix

package pages

import (
	"golang.org/x/sys/unix"
)

// PageSize returns the granularity at which protection can be changed
func PageSize() int {
	return unix.Getpagesize()
}

func reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func commit(region []byte, protection Protection) error {
	return unix.Mprotect(region, unixProtection(protection))
}

func decommit(region []byte) error {
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		return err
	}

	return unix.Mprotect(region, unix.PROT_NONE)
}

func release(region []byte) error {
	return unix.Munmap(region)
}

func protect(region []byte, protection Protection) error {
	return unix.Mprotect(region, unixProtection(protection))
}

func unixProtection(protection Protection) int {
	prot := unix.PROT_NONE
	if protection&ProtectionRead != 0 {
		prot |= unix.PROT_READ
	}
	if protection&ProtectionWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if protection&ProtectionExecute != 0 {
		prot |= unix.PROT_EXEC
	}

	return prot
}
