package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vramkit/vramkit/memcore"
	"github.com/vramkit/vramkit/metadata"
)

func allocRegion(t *testing.T, md *metadata.FreeListBlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) (metadata.BlockAllocationHandle, int) {
	t.Helper()

	success, request, err := md.CreateAllocationRequest(size, alignment, 1, strategy)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := md.Alloc(request, 1, nil)
	require.NoError(t, err)

	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	return handle, offset
}

func TestFreeListAlloc(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	var stats memcore.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memcore.DetailedStatistics{
		Statistics: memcore.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	alloc1, offset1 := allocRegion(t, md, 100, 1, 0)
	require.Equal(t, 0, offset1)

	stats.Clear()
	md.AddDetailedStatistics(&stats)
	require.Equal(t, memcore.DetailedStatistics{
		Statistics: memcore.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	alloc2, offset2 := allocRegion(t, md, 50, 1, 0)
	require.Equal(t, 100, offset2)
	require.False(t, md.IsEmpty())
	require.Equal(t, 850, md.SumFreeSize())

	require.NoError(t, md.Free(alloc1))
	require.NoError(t, md.Free(alloc2))

	require.True(t, md.IsEmpty())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestFreeListGapReuse(t *testing.T) {
	const blockSize = 1024 * 1024
	const allocSize = 300 * 1024

	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(blockSize)

	first, firstOffset := allocRegion(t, md, allocSize, 256, 0)
	middle, middleOffset := allocRegion(t, md, allocSize, 256, 0)
	last, lastOffset := allocRegion(t, md, allocSize, 256, 0)

	require.Equal(t, 0, firstOffset)
	require.Equal(t, allocSize, middleOffset)
	require.Equal(t, 2*allocSize, lastOffset)

	require.NoError(t, md.Free(middle))
	require.Equal(t, 2, md.FreeRegionsCount())

	// The gap left by the middle allocation is reused in place
	reused, reusedOffset := allocRegion(t, md, allocSize, 256, 0)
	require.Equal(t, middleOffset, reusedOffset)
	require.Equal(t, 1, md.FreeRegionsCount())

	require.NoError(t, md.Free(first))
	require.NoError(t, md.Free(reused))
	require.NoError(t, md.Free(last))
	require.True(t, md.IsEmpty())
	require.NoError(t, md.Validate())
}

func TestFreeListAlignment(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1 << 20)

	_, offset1 := allocRegion(t, md, 100, 1, 0)
	require.Equal(t, 0, offset1)

	// The next free byte is 100; alignment pushes the new region to 256 and
	// the skipped bytes stay on the free list
	_, offset2 := allocRegion(t, md, 512, 256, 0)
	require.Equal(t, 256, offset2)
	require.Equal(t, 2, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestFreeListCoalescing(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	handles := make([]metadata.BlockAllocationHandle, 10)
	for i := 0; i < 10; i++ {
		handles[i], _ = allocRegion(t, md, 100, 1, 0)
	}
	require.Equal(t, 0, md.FreeRegionsCount())
	require.Equal(t, 0, md.SumFreeSize())

	// Free even-offset regions, then odd: every release must merge with its
	// byte-adjacent neighbors, ending with one full-block range
	for i := 0; i < 10; i += 2 {
		require.NoError(t, md.Free(handles[i]))
	}
	require.Equal(t, 5, md.FreeRegionsCount())

	for i := 1; i < 10; i += 2 {
		require.NoError(t, md.Free(handles[i]))
	}
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, 1000, md.SumFreeSize())
	require.True(t, md.IsEmpty())
	require.NoError(t, md.Validate())
}

func TestFreeListRandomChurnRestoresFullRange(t *testing.T) {
	const blockSize = 1 << 16

	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(blockSize)

	rng := rand.New(rand.NewSource(42))
	var live []metadata.BlockAllocationHandle

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(100) < 40 {
			victim := rng.Intn(len(live))
			require.NoError(t, md.Free(live[victim]))
			live = append(live[:victim], live[victim+1:]...)
			continue
		}

		size := 1 + rng.Intn(512)
		alignment := uint(1) << uint(rng.Intn(6))
		success, request, err := md.CreateAllocationRequest(size, alignment, 1, 0)
		require.NoError(t, err)
		if !success {
			continue
		}

		handle, err := md.Alloc(request, 1, nil)
		require.NoError(t, err)
		live = append(live, handle)
	}

	require.NoError(t, md.Validate())

	for _, handle := range live {
		require.NoError(t, md.Free(handle))
	}

	require.True(t, md.IsEmpty())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, blockSize, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListDoubleFree(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	handle, _ := allocRegion(t, md, 100, 1, 0)

	require.NoError(t, md.Free(handle))
	require.Error(t, md.Free(handle))

	// The failed free must not have disturbed the free list
	require.Equal(t, 1000, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListStaleRequest(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	success, firstRequest, err := md.CreateAllocationRequest(100, 1, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	success, secondRequest, err := md.CreateAllocationRequest(100, 1, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	_, err = md.Alloc(firstRequest, 1, nil)
	require.NoError(t, err)

	// Both requests targeted offset 0; committing the second must fail
	// instead of double-booking the range
	_, err = md.Alloc(secondRequest, 1, nil)
	require.Error(t, err)
	require.NoError(t, md.Validate())
}

func TestFreeListBestFitStrategy(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	wide, _ := allocRegion(t, md, 200, 1, 0)
	_, _ = allocRegion(t, md, 50, 1, 0)
	narrow, narrowOffset := allocRegion(t, md, 60, 1, 0)
	_, _ = allocRegion(t, md, 50, 1, 0)

	require.NoError(t, md.Free(wide))
	require.NoError(t, md.Free(narrow))

	// Gaps are now 200 bytes at offset 0, 60 bytes at narrowOffset, and the
	// tail. First-fit would take offset 0; best-fit must take the 60-byte gap.
	_, offset := allocRegion(t, md, 60, 1, metadata.AllocationStrategyMinMemory)
	require.Equal(t, narrowOffset, offset)

	_, offset = allocRegion(t, md, 60, 1, 0)
	require.Equal(t, 0, offset)
	require.NoError(t, md.Validate())
}

func TestFreeListNoFitIsNotAnError(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	_, _ = allocRegion(t, md, 600, 1, 0)

	// 400 bytes total remain but the engine must also refuse when no single
	// range is large enough
	success, _, err := md.CreateAllocationRequest(500, 1, 1, 0)
	require.NoError(t, err)
	require.False(t, success)
	require.False(t, md.MayHaveFreeBlock(1, 500))
	require.True(t, md.MayHaveFreeBlock(1, 400))
}

func TestFreeListVisitAllRegions(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	first, _ := allocRegion(t, md, 100, 1, 0)
	_, _ = allocRegion(t, md, 200, 1, 0)
	require.NoError(t, md.Free(first))

	type region struct {
		offset int
		size   int
		free   bool
	}
	var regions []region

	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		regions = append(regions, region{offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []region{
		{offset: 0, size: 100, free: true},
		{offset: 100, size: 200, free: false},
		{offset: 300, size: 700, free: true},
	}, regions)
}

func TestFreeListUserData(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	success, request, err := md.CreateAllocationRequest(100, 1, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := md.Alloc(request, 1, "texture atlas")
	require.NoError(t, err)

	userData, err := md.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "texture atlas", userData)

	require.NoError(t, md.SetAllocationUserData(handle, "shadow map"))
	userData, err = md.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "shadow map", userData)

	require.NoError(t, md.Free(handle))
	_, err = md.AllocationUserData(handle)
	require.Error(t, err)
}

func TestFreeListClear(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(1, metadata.FakeGranularityCheck{})
	md.Init(1000)

	_, _ = allocRegion(t, md, 100, 1, 0)
	_, _ = allocRegion(t, md, 100, 1, 0)
	require.Equal(t, 2, md.AllocationCount())

	md.Clear()
	require.True(t, md.IsEmpty())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}
