package pages_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/pages"
)

func TestProtectionString(t *testing.T) {
	require.Equal(t, "ProtectionNoAccess", pages.ProtectionNoAccess.String())
	require.Equal(t, "ProtectionRead|ProtectionWrite", pages.ProtectionReadWrite.String())
	require.Equal(t, "ProtectionRead|ProtectionExecute", (pages.ProtectionRead | pages.ProtectionExecute).String())
}

func TestPageSize(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(pages.PageSize(), "page size"))
}

func TestReserveCommitRelease(t *testing.T) {
	pageSize := pages.PageSize()

	region, err := pages.Reserve(4*pageSize - 1)
	require.NoError(t, err)
	require.Len(t, region, 4*pageSize)
	require.NoError(t, memutils.CheckAligned(pages.Address(region), uintptr(pageSize), "region"))

	second := region[pageSize : 2*pageSize]
	require.NoError(t, pages.Commit(second, pages.ProtectionReadWrite))
	second[0] = 0xAB
	second[pageSize-1] = 0xCD
	require.Equal(t, byte(0xAB), second[0])

	require.NoError(t, pages.Protect(second, pages.ProtectionRead))
	require.Equal(t, byte(0xCD), second[pageSize-1])

	require.NoError(t, pages.Decommit(second))
	require.NoError(t, pages.Commit(second, pages.ProtectionReadWrite))
	second[1] = 1

	require.NoError(t, pages.Release(region))
}

func TestOSProvider(t *testing.T) {
	var provider pages.Provider = pages.OS{}
	pageSize := pages.PageSize()

	region, err := provider.Reserve(2 * pageSize)
	require.NoError(t, err)

	require.NoError(t, provider.Commit(region, pages.ProtectionReadWrite))
	region[len(region)-1] = 7
	require.NoError(t, provider.Protect(region, pages.ProtectionNoAccess))
	require.NoError(t, provider.Decommit(region))
	require.NoError(t, provider.Release(region))
}

func TestRegionChecks(t *testing.T) {
	pageSize := pages.PageSize()

	_, err := pages.Reserve(0)
	require.Error(t, err)

	region, err := pages.Reserve(2 * pageSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, pages.Release(region))
	}()

	err = pages.Commit(region[1:pageSize+1], pages.ProtectionReadWrite)
	require.True(t, errors.Is(err, memutils.AlignmentError))

	err = pages.Commit(region[:pageSize/2], pages.ProtectionReadWrite)
	require.True(t, errors.Is(err, memutils.AlignmentError))

	require.Error(t, pages.Decommit(nil))
	require.Zero(t, pages.Address(nil))
}
