package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/internal/cache"
	mock_cache "github.com/vkngwrapper/tagheap/internal/cache/mocks"
	"github.com/vkngwrapper/tagheap/memutils"
	"go.uber.org/mock/gomock"
)

const testBlockSize = 1024

func TestBumpAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	source.EXPECT().FetchOne(blocktable.Tag(3)).Return(7, nil)

	set := cache.NewSet(2, testBlockSize)
	c := set.Cache(0)

	block, offset, err := c.Allocate(source, 3, 100)
	require.NoError(t, err)
	require.Equal(t, 7, block)
	require.Equal(t, 0, offset)

	block, offset, err = c.Allocate(source, 3, 200)
	require.NoError(t, err)
	require.Equal(t, 7, block)
	require.Equal(t, 112, offset)

	block, offset, err = c.Allocate(source, 3, 1)
	require.NoError(t, err)
	require.Equal(t, 7, block)
	require.Equal(t, 320, offset)

	working, used, ok := c.WorkingBlock(3)
	require.True(t, ok)
	require.Equal(t, 7, working)
	require.Equal(t, 336, used)

	var stats memutils.Statistics
	c.AddStatistics(3, &stats)
	require.Equal(t, memutils.Statistics{AllocationCount: 3, AllocationBytes: 336}, stats)
}

func TestNewBlockWithMoreRoomReplacesWorkingBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(1)).Return(1, nil),
		source.EXPECT().FetchOne(blocktable.Tag(1)).Return(2, nil),
	)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	_, _, err := c.Allocate(source, 1, 1000)
	require.NoError(t, err)

	// 16 bytes left in block 1, block 2 would have 1024-64 left
	block, offset, err := c.Allocate(source, 1, 64)
	require.NoError(t, err)
	require.Equal(t, 2, block)
	require.Equal(t, 0, offset)

	working, used, ok := c.WorkingBlock(1)
	require.True(t, ok)
	require.Equal(t, 2, working)
	require.Equal(t, 64, used)

	var stats memutils.Statistics
	c.AddStatistics(1, &stats)
	require.Equal(t, 16, stats.WastedBytes)
}

func TestOldBlockWithMoreRoomIsKept(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(1)).Return(1, nil),
		source.EXPECT().FetchOne(blocktable.Tag(1)).Return(2, nil),
	)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	_, _, err := c.Allocate(source, 1, 512)
	require.NoError(t, err)

	// 512 left in block 1, block 2 would only have 1024-608=416 left
	block, offset, err := c.Allocate(source, 1, 600)
	require.NoError(t, err)
	require.Equal(t, 2, block)
	require.Equal(t, 0, offset)

	working, used, ok := c.WorkingBlock(1)
	require.True(t, ok)
	require.Equal(t, 1, working)
	require.Equal(t, 512, used)

	block, offset, err = c.Allocate(source, 1, 16)
	require.NoError(t, err)
	require.Equal(t, 1, block)
	require.Equal(t, 512, offset)
}

func TestExactTieKeepsOldBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(0)).Return(4, nil),
		source.EXPECT().FetchOne(blocktable.Tag(0)).Return(5, nil),
	)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	_, _, err := c.Allocate(source, 0, 512)
	require.NoError(t, err)
	_, _, err = c.Allocate(source, 0, 496)
	require.NoError(t, err)

	// 16 bytes are left in block 4, and a 1008 byte request leaves 16 in block 5
	block, offset, err := c.Allocate(source, 0, 1008)
	require.NoError(t, err)
	require.Equal(t, 5, block)
	require.Equal(t, 0, offset)

	working, used, _ := c.WorkingBlock(0)
	require.Equal(t, 4, working)
	require.Equal(t, 1008, used)

	var stats memutils.Statistics
	c.AddStatistics(0, &stats)
	require.Equal(t, 16, stats.WastedBytes)
}

func TestFullBlockAllocationIsNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(0)).Return(0, nil),
		source.EXPECT().FetchOne(blocktable.Tag(0)).Return(1, nil),
	)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	block, offset, err := c.Allocate(source, 0, testBlockSize)
	require.NoError(t, err)
	require.Equal(t, 0, block)
	require.Equal(t, 0, offset)

	_, _, ok := c.WorkingBlock(0)
	require.False(t, ok)

	block, _, err = c.Allocate(source, 0, 16)
	require.NoError(t, err)
	require.Equal(t, 1, block)
}

func TestFetchFailureLeavesCacheUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(2)).Return(3, nil),
		source.EXPECT().FetchOne(blocktable.Tag(2)).Return(-1, blocktable.ErrExhausted),
	)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	_, _, err := c.Allocate(source, 2, 1000)
	require.NoError(t, err)

	_, _, err = c.Allocate(source, 2, 100)
	require.True(t, errors.Is(err, blocktable.ErrExhausted))

	working, used, ok := c.WorkingBlock(2)
	require.True(t, ok)
	require.Equal(t, 3, working)
	require.Equal(t, 1008, used)

	var stats memutils.Statistics
	c.AddStatistics(2, &stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Zero(t, stats.WastedBytes)
}

func TestRejectedRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	c := cache.NewSet(1, testBlockSize).Cache(0)

	_, _, err := c.Allocate(source, 0, testBlockSize+1)
	require.True(t, errors.Is(err, cache.ErrTooLarge))

	_, _, err = c.Allocate(source, blocktable.MaxTags, 16)
	require.Error(t, err)

	_, _, err = c.Allocate(source, 0, -1)
	require.Error(t, err)
}

func TestZeroSizeAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	source.EXPECT().FetchOne(blocktable.Tag(0)).Return(9, nil)

	c := cache.NewSet(1, testBlockSize).Cache(0)

	block, offset, err := c.Allocate(source, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 9, block)
	require.Equal(t, 0, offset)

	block, offset, err = c.Allocate(source, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 9, block)
	require.Equal(t, 0, offset)
}

func TestResetTagReachesEveryWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	gomock.InOrder(
		source.EXPECT().FetchOne(blocktable.Tag(5)).Return(0, nil),
		source.EXPECT().FetchOne(blocktable.Tag(5)).Return(1, nil),
		source.EXPECT().FetchOne(blocktable.Tag(6)).Return(2, nil),
	)

	set := cache.NewSet(2, testBlockSize)
	require.Equal(t, 2, set.Len())

	_, _, err := set.Cache(0).Allocate(source, 5, 32)
	require.NoError(t, err)
	_, _, err = set.Cache(1).Allocate(source, 5, 32)
	require.NoError(t, err)
	_, _, err = set.Cache(1).Allocate(source, 6, 32)
	require.NoError(t, err)

	set.ResetTag(5)

	for worker := 0; worker < 2; worker++ {
		_, _, ok := set.Cache(worker).WorkingBlock(5)
		require.False(t, ok)

		var stats memutils.Statistics
		set.Cache(worker).AddStatistics(5, &stats)
		require.Equal(t, memutils.Statistics{}, stats)
	}

	block, used, ok := set.Cache(1).WorkingBlock(6)
	require.True(t, ok)
	require.Equal(t, 2, block)
	require.Equal(t, 32, used)
}

func TestResetWorkerKeepsCounters(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mock_cache.NewMockBlockSource(ctrl)
	source.EXPECT().FetchOne(blocktable.Tag(1)).Return(0, nil)

	set := cache.NewSet(1, testBlockSize)
	_, _, err := set.Cache(0).Allocate(source, 1, 24)
	require.NoError(t, err)

	set.ResetWorker(0)

	_, _, ok := set.Cache(0).WorkingBlock(1)
	require.False(t, ok)

	var stats memutils.Statistics
	set.Cache(0).AddStatistics(1, &stats)
	require.Equal(t, memutils.Statistics{
		AllocationCount: 1,
		AllocationBytes: 32,
		WastedBytes:     testBlockSize - 32,
	}, stats)
}

func TestAllocateRacingResetTag(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetches := 0
	source := mock_cache.NewMockBlockSource(ctrl)
	source.EXPECT().FetchOne(blocktable.Tag(1)).DoAndReturn(func(tag blocktable.Tag) (int, error) {
		fetches++
		return fetches, nil
	}).AnyTimes()

	set := cache.NewSet(1, testBlockSize)
	c := set.Cache(0)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			set.ResetTag(1)
		}
	}()

	for i := 0; i < 200000; i++ {
		block, offset, err := c.Allocate(source, 1, 16)
		if err != nil || block < 1 || block > fetches || offset < 0 || offset+16 > testBlockSize {
			stop.Store(true)
			wg.Wait()
			require.Failf(t, "allocation outside a fetched block", "allocation %d returned block %d, offset %d, err %v", i, block, offset, err)
		}
	}

	stop.Store(true)
	wg.Wait()

	block, used, ok := c.WorkingBlock(1)
	if ok {
		require.GreaterOrEqual(t, block, 1)
		require.LessOrEqual(t, used, testBlockSize)
	}
}
