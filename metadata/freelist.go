package metadata

import (
	"math"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vramkit/vramkit/memcore"
	"golang.org/x/exp/slices"
)

// freeRange is one maximal run of unclaimed bytes within the block.
type freeRange struct {
	offset int
	size   int
}

type suballocEntry struct {
	handle BlockAllocationHandle
	alloc  Suballocation
}

// FreeListBlockMetadata is a BlockMetadata implementation that tracks free
// space as a sorted vector of disjoint, coalesced (offset, size) ranges and
// places new suballocations with a first-fit scan. The vector layout keeps
// the scan cache-friendly and avoids pointer-linked free nodes; for the
// range counts this module sees in practice (tens of free ranges, hundreds
// of suballocations) the linear scan is faster than maintaining a
// segregated-fit index.
//
// Free handles are issued from a monotonic counter and never reused, so a
// Free with a stale or already-freed handle is always detected and reported
// rather than corrupting the free list.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	// sorted by offset; invariant: no two ranges are byte-adjacent
	freeRanges []freeRange
	// sorted by alloc.Offset; alloc.Size includes the trailing DebugMargin
	suballocs []suballocEntry

	handleToOffset *swiss.Map[BlockAllocationHandle, int]
	nextHandle     BlockAllocationHandle
	sumFreeSize    int
}

var _ BlockMetadata = (*FreeListBlockMetadata)(nil)

func NewFreeListBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity, granularityHandler),
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	m.freeRanges = append(m.freeRanges[:0], freeRange{offset: 0, size: size})
	m.suballocs = m.suballocs[:0]
	m.handleToOffset = swiss.NewMap[BlockAllocationHandle, int](42)
	m.nextHandle = 1
	m.sumFreeSize = size
}

func (m *FreeListBlockMetadata) AllocationCount() int  { return len(m.suballocs) }
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.freeRanges) }
func (m *FreeListBlockMetadata) SumFreeSize() int      { return m.sumFreeSize }
func (m *FreeListBlockMetadata) IsEmpty() bool         { return len(m.suballocs) == 0 }

func (m *FreeListBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	size += memcore.DebugMargin
	if size > m.sumFreeSize {
		return false
	}

	for i := 0; i < len(m.freeRanges); i++ {
		if m.freeRanges[i].size >= size {
			return true
		}
	}

	return false
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	memcore.DebugCheckPow2(allocAlignment, "allocAlignment")
	memcore.DebugValidate(m)

	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)
	paddedSize := allocSize + memcore.DebugMargin

	if paddedSize > m.sumFreeSize {
		return false, allocRequest, nil
	}

	bestIndex := -1
	bestOffset := 0
	bestWaste := math.MaxInt

	// The scan runs in offset order, so accepting the first fit also yields
	// the minimum offset.
	for i := 0; i < len(m.freeRanges); i++ {
		r := m.freeRanges[i]
		if r.size < paddedSize {
			continue
		}

		alignedOffset := memcore.AlignUp(r.offset, allocAlignment)

		var conflict bool
		alignedOffset, conflict = m.granularityHandler.CheckConflictAndAlignUp(alignedOffset, allocSize, r.offset, r.size, allocType)
		if conflict {
			continue
		}

		if alignedOffset+paddedSize > r.offset+r.size {
			continue
		}

		if strategy&AllocationStrategyMinMemory != 0 {
			waste := r.size - paddedSize
			if waste < bestWaste {
				bestWaste = waste
				bestIndex = i
				bestOffset = alignedOffset
			}
			continue
		}

		bestIndex = i
		bestOffset = alignedOffset
		break
	}

	if bestIndex < 0 {
		return false, allocRequest, nil
	}

	allocRequest.Size = allocSize
	allocRequest.AllocType = allocType
	allocRequest.Item = Suballocation{
		Offset: bestOffset,
		Size:   allocSize,
		Type:   allocType,
	}

	return true, allocRequest, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) (BlockAllocationHandle, error) {
	offset := request.Item.Offset
	extent := request.Size + memcore.DebugMargin

	rangeIndex, ok := m.findRangeContaining(offset, extent)
	if !ok {
		return NoAllocation, errors.Errorf("allocation request for offset %d size %d is stale: the targeted free range no longer exists", offset, request.Size)
	}

	r := m.freeRanges[rangeIndex]
	leftSize := offset - r.offset
	rightSize := r.offset + r.size - offset - extent

	switch {
	case leftSize > 0 && rightSize > 0:
		m.freeRanges[rangeIndex] = freeRange{offset: r.offset, size: leftSize}
		m.freeRanges = slices.Insert(m.freeRanges, rangeIndex+1, freeRange{offset: offset + extent, size: rightSize})
	case leftSize > 0:
		m.freeRanges[rangeIndex] = freeRange{offset: r.offset, size: leftSize}
	case rightSize > 0:
		m.freeRanges[rangeIndex] = freeRange{offset: offset + extent, size: rightSize}
	default:
		m.freeRanges = slices.Delete(m.freeRanges, rangeIndex, rangeIndex+1)
	}
	m.sumFreeSize -= extent

	handle := m.nextHandle
	m.nextHandle++

	entry := suballocEntry{
		handle: handle,
		alloc: Suballocation{
			Offset:   offset,
			Size:     extent,
			UserData: userData,
			Type:     allocType,
		},
	}
	insertAt, _ := slices.BinarySearchFunc(m.suballocs, offset, func(e suballocEntry, target int) int {
		return e.alloc.Offset - target
	})
	m.suballocs = slices.Insert(m.suballocs, insertAt, entry)
	m.handleToOffset.Put(handle, offset)

	m.granularityHandler.AllocPages(allocType, offset, request.Size)
	memcore.DebugValidate(m)

	return handle, nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, live := m.handleToOffset.Get(allocHandle)
	if !live {
		return errors.Errorf("handle %d does not map to a live suballocation- it may have already been freed", allocHandle)
	}

	index, found := slices.BinarySearchFunc(m.suballocs, offset, func(e suballocEntry, target int) int {
		return e.alloc.Offset - target
	})
	if !found || m.suballocs[index].handle != allocHandle {
		panic("handle map and suballocation vector are out of sync")
	}

	entry := m.suballocs[index]
	m.suballocs = slices.Delete(m.suballocs, index, index+1)
	m.handleToOffset.Delete(allocHandle)

	m.granularityHandler.FreePages(offset, entry.alloc.Size-memcore.DebugMargin)

	m.insertFreeRange(offset, entry.alloc.Size)
	m.sumFreeSize += entry.alloc.Size

	memcore.DebugValidate(m)
	return nil
}

// insertFreeRange places (offset, size) back into the sorted free vector and
// merges it with its left and right neighbors when they are byte-adjacent.
func (m *FreeListBlockMetadata) insertFreeRange(offset, size int) {
	index, _ := slices.BinarySearchFunc(m.freeRanges, offset, func(r freeRange, target int) int {
		return r.offset - target
	})

	mergeLeft := index > 0 && m.freeRanges[index-1].offset+m.freeRanges[index-1].size == offset
	mergeRight := index < len(m.freeRanges) && offset+size == m.freeRanges[index].offset

	switch {
	case mergeLeft && mergeRight:
		m.freeRanges[index-1].size += size + m.freeRanges[index].size
		m.freeRanges = slices.Delete(m.freeRanges, index, index+1)
	case mergeLeft:
		m.freeRanges[index-1].size += size
	case mergeRight:
		m.freeRanges[index].offset = offset
		m.freeRanges[index].size += size
	default:
		m.freeRanges = slices.Insert(m.freeRanges, index, freeRange{offset: offset, size: size})
	}
}

// findRangeContaining locates the free range that fully contains
// [offset, offset+extent), if any.
func (m *FreeListBlockMetadata) findRangeContaining(offset, extent int) (int, bool) {
	index, found := slices.BinarySearchFunc(m.freeRanges, offset, func(r freeRange, target int) int {
		return r.offset - target
	})
	if !found {
		// The candidate is the last range starting before offset
		index--
	}

	if index < 0 || index >= len(m.freeRanges) {
		return -1, false
	}

	r := m.freeRanges[index]
	if r.offset <= offset && offset+extent <= r.offset+r.size {
		return index, true
	}

	return -1, false
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	offset, live := m.handleToOffset.Get(allocHandle)
	if !live {
		return 0, errors.Errorf("handle %d does not map to a live suballocation", allocHandle)
	}
	return offset, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	entry, err := m.entryForHandle(allocHandle)
	if err != nil {
		return nil, err
	}
	return entry.alloc.UserData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	offset, live := m.handleToOffset.Get(allocHandle)
	if !live {
		return errors.Errorf("handle %d does not map to a live suballocation", allocHandle)
	}

	index, found := slices.BinarySearchFunc(m.suballocs, offset, func(e suballocEntry, target int) int {
		return e.alloc.Offset - target
	})
	if !found {
		panic("handle map and suballocation vector are out of sync")
	}

	m.suballocs[index].alloc.UserData = userData
	return nil
}

func (m *FreeListBlockMetadata) entryForHandle(allocHandle BlockAllocationHandle) (*suballocEntry, error) {
	offset, live := m.handleToOffset.Get(allocHandle)
	if !live {
		return nil, errors.Errorf("handle %d does not map to a live suballocation", allocHandle)
	}

	index, found := slices.BinarySearchFunc(m.suballocs, offset, func(e suballocEntry, target int) int {
		return e.alloc.Offset - target
	})
	if !found {
		panic("handle map and suballocation vector are out of sync")
	}

	return &m.suballocs[index], nil
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	freeIndex := 0
	allocIndex := 0

	for freeIndex < len(m.freeRanges) || allocIndex < len(m.suballocs) {
		if allocIndex >= len(m.suballocs) ||
			(freeIndex < len(m.freeRanges) && m.freeRanges[freeIndex].offset < m.suballocs[allocIndex].alloc.Offset) {

			r := m.freeRanges[freeIndex]
			err := handleRegion(NoAllocation, r.offset, r.size, nil, true)
			if err != nil {
				return err
			}
			freeIndex++
			continue
		}

		entry := m.suballocs[allocIndex]
		err := handleRegion(entry.handle, entry.alloc.Offset, entry.alloc.Size, entry.alloc.UserData, false)
		if err != nil {
			return err
		}
		allocIndex++
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memcore.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	for i := 0; i < len(m.suballocs); i++ {
		stats.AddAllocation(m.suballocs[i].alloc.Size - memcore.DebugMargin)
	}

	for i := 0; i < len(m.freeRanges); i++ {
		stats.AddUnusedRange(m.freeRanges[i].size)
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memcore.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += len(m.suballocs)

	for i := 0; i < len(m.suballocs); i++ {
		stats.AllocationBytes += m.suballocs[i].alloc.Size - memcore.DebugMargin
	}
}

func (m *FreeListBlockMetadata) Clear() {
	m.freeRanges = append(m.freeRanges[:0], freeRange{offset: 0, size: m.Size()})
	m.suballocs = m.suballocs[:0]
	m.handleToOffset = swiss.NewMap[BlockAllocationHandle, int](42)
	m.sumFreeSize = m.Size()
	m.granularityHandler.Clear()
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, len(m.suballocs), len(m.freeRanges))
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.Size() < 1 {
		return errors.New("metadata was never initialized with a block size")
	}

	calculatedFreeSize := 0
	expectedOffset := 0
	freeIndex := 0
	allocIndex := 0
	lastWasFree := false
	validateCtx := m.granularityHandler.StartValidation()

	for freeIndex < len(m.freeRanges) || allocIndex < len(m.suballocs) {
		takeFree := allocIndex >= len(m.suballocs) ||
			(freeIndex < len(m.freeRanges) && m.freeRanges[freeIndex].offset < m.suballocs[allocIndex].alloc.Offset)

		if takeFree {
			r := m.freeRanges[freeIndex]
			if r.size < 1 {
				return errors.Errorf("free range at offset %d has invalid size %d", r.offset, r.size)
			}
			if r.offset != expectedOffset {
				return errors.Errorf("free range at offset %d does not begin at the previous region's end offset %d", r.offset, expectedOffset)
			}
			if lastWasFree {
				return errors.Errorf("free range at offset %d is adjacent to another free range- they should have been merged", r.offset)
			}

			calculatedFreeSize += r.size
			expectedOffset = r.offset + r.size
			lastWasFree = true
			freeIndex++
			continue
		}

		entry := m.suballocs[allocIndex]
		if entry.alloc.Size < 1 {
			return errors.Errorf("suballocation at offset %d has invalid size %d", entry.alloc.Offset, entry.alloc.Size)
		}
		if entry.alloc.Offset != expectedOffset {
			return errors.Errorf("suballocation at offset %d does not begin at the previous region's end offset %d", entry.alloc.Offset, expectedOffset)
		}

		mappedOffset, live := m.handleToOffset.Get(entry.handle)
		if !live || mappedOffset != entry.alloc.Offset {
			return errors.Errorf("suballocation at offset %d is not correctly indexed by its handle %d", entry.alloc.Offset, entry.handle)
		}

		err := m.granularityHandler.Validate(validateCtx, entry.alloc.Offset, entry.alloc.Size-memcore.DebugMargin)
		if err != nil {
			return err
		}

		expectedOffset = entry.alloc.Offset + entry.alloc.Size
		lastWasFree = false
		allocIndex++
	}

	if expectedOffset != m.Size() {
		return errors.Errorf("the tracked regions end at offset %d, but the block is %d bytes", expectedOffset, m.Size())
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free ranges added up to %d", m.sumFreeSize, calculatedFreeSize)
	}

	if m.handleToOffset.Count() != len(m.suballocs) {
		return errors.Errorf("the handle map contains %d entries, but there are %d live suballocations", m.handleToOffset.Count(), len(m.suballocs))
	}

	return m.granularityHandler.FinishValidation(validateCtx)
}
