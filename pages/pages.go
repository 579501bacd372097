// Package pages wraps the operating system's virtual memory primitives: reserving address space
// with no physical backing, committing and decommitting ranges of it, changing protection, and
// handing it back.
//
// Regions are plain byte slices. A slice returned by Reserve must be passed back to Release
// unmodified; sub-slices of it may be passed to Commit, Decommit and Protect, as long as they
// start and end on page boundaries.
package pages

import (
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/memutils"
)

// Protection is a set of access rights applied to a range of pages
type Protection uint32

const (
	ProtectionRead Protection = 1 << iota
	ProtectionWrite
	ProtectionExecute

	// ProtectionNoAccess causes any access to the range to fault
	ProtectionNoAccess Protection = 0
	// ProtectionReadWrite is the protection applied to committed heap memory
	ProtectionReadWrite = ProtectionRead | ProtectionWrite
)

var protectionMapping = map[Protection]string{
	ProtectionRead:    "ProtectionRead",
	ProtectionWrite:   "ProtectionWrite",
	ProtectionExecute: "ProtectionExecute",
}

func (p Protection) String() string {
	if p == ProtectionNoAccess {
		return "ProtectionNoAccess"
	}

	var names []string
	for bit := ProtectionRead; bit <= ProtectionExecute; bit <<= 1 {
		if p&bit != 0 {
			names = append(names, protectionMapping[bit])
		}
	}

	return strings.Join(names, "|")
}

// Provider is the set of virtual memory operations a heap consumes. OS is the implementation
// backed by the running operating system; tests may wrap it to inject failures.
type Provider interface {
	// Reserve claims size bytes of address space with no physical backing and no access rights
	Reserve(size int) ([]byte, error)
	// Commit backs the region with physical memory and applies the provided protection
	Commit(region []byte, protection Protection) error
	// Decommit hands the region's physical memory back and removes all access rights. The
	// address space stays reserved.
	Decommit(region []byte) error
	// Release returns a region obtained from Reserve to the operating system
	Release(region []byte) error
	// Protect changes the access rights of an already committed region
	Protect(region []byte, protection Protection) error
}

// OS is the Provider backed by the host operating system
type OS struct{}

var _ Provider = OS{}

func (OS) Reserve(size int) ([]byte, error) { return Reserve(size) }
func (OS) Commit(region []byte, protection Protection) error { return Commit(region, protection) }
func (OS) Decommit(region []byte) error { return Decommit(region) }
func (OS) Release(region []byte) error { return Release(region) }
func (OS) Protect(region []byte, protection Protection) error { return Protect(region, protection) }

// Reserve claims size bytes of address space. size is rounded up to the page size.
func Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot reserve %d bytes of address space", size)
	}

	region, err := reserve(memutils.AlignUp(size, PageSize()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", size)
	}

	return region, nil
}

func Commit(region []byte, protection Protection) error {
	if err := checkRegion(region); err != nil {
		return err
	}

	return errors.Wrapf(commit(region, protection), "failed to commit %d bytes as %s", len(region), protection)
}

func Decommit(region []byte) error {
	if err := checkRegion(region); err != nil {
		return err
	}

	return errors.Wrapf(decommit(region), "failed to decommit %d bytes", len(region))
}

func Release(region []byte) error {
	if err := checkRegion(region); err != nil {
		return err
	}

	return errors.Wrapf(release(region), "failed to release %d bytes of address space", len(region))
}

func Protect(region []byte, protection Protection) error {
	if err := checkRegion(region); err != nil {
		return err
	}

	return errors.Wrapf(protect(region, protection), "failed to protect %d bytes as %s", len(region), protection)
}

// Address returns the address of the first byte of the region, or 0 for an empty region
func Address(region []byte) uintptr {
	if len(region) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(unsafe.SliceData(region)))
}

func checkRegion(region []byte) error {
	if len(region) == 0 {
		return errors.New("region is empty")
	}

	pageSize := uintptr(PageSize())
	if err := memutils.CheckAligned(Address(region), pageSize, "region address"); err != nil {
		return err
	}

	return memutils.CheckAligned(uintptr(len(region)), pageSize, "region length")
}
