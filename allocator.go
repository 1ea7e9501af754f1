package vramkit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vramkit/vramkit/driver"
	"github.com/vramkit/vramkit/internal/hw"
	"github.com/vramkit/vramkit/internal/utils"
	"github.com/vramkit/vramkit/memcore"
)

// Budget reports, for a single memory heap, the heap's capacity (respecting
// any consumer-configured limit), the bytes of raw blocks currently
// allocated from it, and block/suballocation counters.
type Budget = hw.Budget

// MemoryRequirements describes a region the caller needs: its size, the
// alignment its offset must satisfy, and a bitmask of memory type indices
// that may serve it. A MemoryTypeBits of 0 permits every memory type.
type MemoryRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32
}

// AllocationCreateInfo is an options struct that defines the specifics of a
// new allocation created by Allocator.AllocateMemory.
type AllocationCreateInfo struct {
	// Flags describes the intended behavior of the created Allocation
	Flags AllocationCreateFlags

	// RequiredFlags indicates what property flags must be on the chosen
	// memory type. If no type with these flags exists, the allocation fails
	// with ErrNoSuitableMemoryType
	RequiredFlags driver.MemoryPropertyFlags
	// PreferredFlags indicates property flags that should be on the chosen
	// memory type if possible. Each flag is considered equally important:
	// the type missing the fewest preferred flags wins
	PreferredFlags driver.MemoryPropertyFlags

	// SuballocationType classifies the resource the region will back, so
	// that buffer and image regions are kept on separate granularity pages.
	// The zero value is treated as SuballocationUnknown
	SuballocationType SuballocationType

	// UserData is an arbitrary value that will be applied to the Allocation.
	// Allocation.UserData() will return this value after the allocation is
	// complete
	UserData any
}

// Allocator hands out suballocations of device memory, creating and
// destroying raw blocks through a driver.Provider as demand changes. All
// methods are safe for concurrent use unless the allocator was created with
// AllocatorCreateExternallySynchronized.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger

	createFlags CreateFlags

	minBlockSize           int
	maxBlockSize           int
	growthFactor           float64
	bufferImageGranularity int

	deviceMemory *hw.DeviceMemoryProperties

	blockListsMutex      utils.OptionalRWMutex
	memoryBlockLists     []*memoryBlockList
	dedicatedAllocations []*dedicatedAllocationList
}

// TotalStatistics aggregates detailed allocation statistics per memory type,
// per memory heap, and across the whole allocator.
type TotalStatistics struct {
	MemoryType []memcore.DetailedStatistics
	MemoryHeap []memcore.DetailedStatistics
	Total      memcore.DetailedStatistics
}

// FindMemoryTypeIndex locates the best memory type in memoryTypes for the
// provided flags. Candidates are first filtered: the type's index must be
// set in memoryTypeBits (0 permits all indices) and the type's property
// flags must include every flag in requiredFlags. Among the survivors the
// one missing the fewest preferredFlags wins, with the lowest index breaking
// ties. When no type survives the filter it returns ErrNoSuitableMemoryType.
func FindMemoryTypeIndex(
	memoryTypes []driver.MemoryType,
	memoryTypeBits uint32,
	requiredFlags, preferredFlags driver.MemoryPropertyFlags,
) (int, error) {
	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex, memoryType := range memoryTypes {
		memTypeBit := uint32(1) << uint(memTypeIndex)
		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := memoryType.PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoSuitableMemoryType,
			"no memory type in mask 0x%x has required flags %s",
			memoryTypeBits, requiredFlags.String())
	}

	return bestMemoryTypeIndex, nil
}

// FindMemoryTypeIndex locates the best memory type on this allocator's
// device for the provided bitmask and creation options. See the package
// function FindMemoryTypeIndex for the selection rules.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::FindMemoryTypeIndex")

	return FindMemoryTypeIndex(a.deviceMemory.MemoryTypes(), memoryTypeBits, o.RequiredFlags, o.PreferredFlags)
}

// blockListForType returns the block list serving one memory type, creating
// it on first use. Most calls hit a populated table and only take the read
// lock.
func (a *Allocator) blockListForType(memoryTypeIndex int) *memoryBlockList {
	a.blockListsMutex.RLock()
	blockList := a.memoryBlockLists[memoryTypeIndex]
	a.blockListsMutex.RUnlock()

	if blockList != nil {
		return blockList
	}

	a.blockListsMutex.Lock()
	defer a.blockListsMutex.Unlock()

	blockList = a.memoryBlockLists[memoryTypeIndex]
	if blockList == nil {
		blockList = &memoryBlockList{}
		blockList.Init(
			a.useMutex,
			a,
			memoryTypeIndex,
			a.minBlockSize,
			a.maxBlockSize,
			a.growthFactor,
			a.createFlags&AllocatorCreateDestroyEmptyLastBlock == 0,
			a.bufferImageGranularity,
		)
		a.memoryBlockLists[memoryTypeIndex] = blockList
	}

	return blockList
}

// AllocateMemory reserves a region of device memory satisfying the provided
// requirements and populates outAlloc with its parameters. Memory types are
// tried from best to worst fit: when allocation from the best type fails for
// lack of memory, the type is struck from the candidate mask and the next
// best is tried. The final failure is reported to the caller.
func (a *Allocator) AllocateMemory(requirements *MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::AllocateMemory")

	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil allocation")
	} else if requirements == nil {
		return errors.New("attempted to allocate with nil memory requirements")
	}
	if requirements.Size < 1 {
		return errors.Newf("provided memory requirement size %d was not a positive integer", requirements.Size)
	}
	if requirements.Alignment != 0 {
		err := memcore.CheckPow2(requirements.Alignment, "MemoryRequirements.Alignment")
		if err != nil {
			return err
		}
	}
	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate may not be combined")
	}
	if o.Flags&AllocationCreateStrategyMask == AllocationCreateStrategyMask {
		return errors.New("AllocationCreateStrategyMinMemory and AllocationCreateStrategyMinTime may not be combined")
	}

	suballocType := o.SuballocationType
	if suballocType == SuballocationFree {
		suballocType = SuballocationUnknown
	}

	memoryTypeBits := requirements.MemoryTypeBits
	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}
	memoryTypeIndex, err := a.FindMemoryTypeIndex(memoryTypeBits, o)
	if err != nil {
		return err
	}

	for {
		err = a.allocateMemoryOfType(requirements.Size, requirements.Alignment, &o, memoryTypeIndex, suballocType, outAlloc)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrOutOfDeviceMemory) {
			return err
		}

		// Remove this memory type from the candidates and try the next one
		memoryTypeBits &= ^(uint32(1) << uint(memoryTypeIndex))

		nextIndex, findErr := a.FindMemoryTypeIndex(memoryTypeBits, o)
		if findErr != nil {
			// No other candidate exists, report the allocation failure
			return err
		}
		memoryTypeIndex = nextIndex
	}
}

func (a *Allocator) allocateMemoryOfType(
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocType SuballocationType,
	outAlloc *Allocation,
) error {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	if createInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(size, suballocType, memoryTypeIndex, createInfo.UserData, outAlloc)
	}

	blockList := a.blockListForType(memoryTypeIndex)
	return blockList.Allocate(size, alignment, createInfo, suballocType, outAlloc)
}

func (a *Allocator) allocateDedicatedMemory(
	size int,
	suballocType SuballocationType,
	memoryTypeIndex int,
	userData any,
	outAlloc *Allocation,
) error {
	memory, err := a.deviceMemory.AllocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocator::allocateDedicatedMemory FAILED")
		return err
	}

	outAlloc.init(a)
	outAlloc.initDedicatedAllocation(memory, size, memoryTypeIndex, suballocType)
	outAlloc.SetUserData(userData)

	a.dedicatedAllocations[memoryTypeIndex].Register(outAlloc)

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	a.deviceMemory.AddAllocation(heapIndex, size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated DedicatedMemory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)
	return nil
}

// FreeMemory returns an allocation's region to its owning block (or returns
// its raw memory to the driver, for dedicated allocations) and resets the
// Allocation for reuse. Freeing the same Allocation twice, or one that was
// never populated by AllocateMemory, fails with ErrInvalidHandle and leaves
// allocator state unchanged.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::FreeMemory")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}
	if !alloc.isLive() {
		return errors.Wrap(ErrInvalidHandle, "the allocation has not been populated, or has already been freed")
	}

	switch alloc.allocationType {
	case allocationTypeBlock:
		blockList := a.blockListForType(alloc.memoryTypeIndex)
		err := blockList.Free(alloc)
		if err != nil {
			return err
		}
	default:
		err := a.freeDedicatedMemory(alloc)
		if err != nil {
			return err
		}
	}

	alloc.init(a)
	return nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc.allocationType != allocationTypeDedicated {
		return errors.New("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)
	a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, alloc.Size(), alloc.dedicatedData.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed DedicatedMemory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
	)
	return nil
}

// HeapBudget retrieves the current capacity and usage of a single memory
// heap.
func (a *Allocator) HeapBudget(heapIndex int, budget *Budget) {
	a.deviceMemory.HeapBudget(heapIndex, budget)
}

// CalculateStatistics walks every block's metadata to populate stats with
// detailed figures per memory type, per heap, and in total. It is
// considerably more expensive than querying HeapBudget.
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::CalculateStatistics")

	if stats == nil {
		panic("attempted to calculate statistics into a nil TotalStatistics")
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	heapCount := a.deviceMemory.MemoryHeapCount()

	stats.MemoryType = make([]memcore.DetailedStatistics, typeCount)
	stats.MemoryHeap = make([]memcore.DetailedStatistics, heapCount)
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		stats.MemoryType[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.MemoryHeap[heapIndex].Clear()
	}
	stats.Total.Clear()

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		a.blockListsMutex.RLock()
		blockList := a.memoryBlockLists[typeIndex]
		a.blockListsMutex.RUnlock()

		if blockList != nil {
			blockList.AddDetailedStatistics(&stats.MemoryType[typeIndex])
		}
		a.dedicatedAllocations[typeIndex].AddDetailedStatistics(&stats.MemoryType[typeIndex])
	}

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeap[heapIndex].AddDetailedStatistics(&stats.MemoryType[typeIndex])
	}
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeap[heapIndex])
	}
}

// BuildStatsString writes a JSON document describing the allocator's
// current state. When detailedMap is true, every block's suballocation map
// is included, which can produce a very large document on a busy allocator.
func (a *Allocator) BuildStatsString(detailedMap bool) ([]byte, error) {
	writer := jwriter.NewWriter()

	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	generalObj.Name("DeviceAllocationCount").Int(a.deviceMemory.DeviceAllocationCount())
	generalObj.End()

	var stats TotalStatistics
	a.CalculateStatistics(&stats)

	totalObj := rootObj.Name("Total").Object()
	printDetailedStatisticsJson(&stats.Total, &totalObj)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heapObj := heapsObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapObj.Name("SizeBytes").Int(a.deviceMemory.MemoryHeapProperties(heapIndex).Size)

		var budget Budget
		a.deviceMemory.HeapBudget(heapIndex, &budget)
		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budget.Budget)
		budgetObj.Name("UsageBytes").Int(budget.Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		printDetailedStatisticsJson(&stats.MemoryHeap[heapIndex], &statsObj)
		statsObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		poolsObj := rootObj.Name("DefaultPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			a.blockListsMutex.RLock()
			blockList := a.memoryBlockLists[typeIndex]
			a.blockListsMutex.RUnlock()

			typeObj := poolsObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())
			if blockList != nil {
				blocksWriter := typeObj.Name("Blocks")
				blockList.PrintDetailedMap(blocksWriter)
			}
			if !a.dedicatedAllocations[typeIndex].IsEmpty() {
				dedicatedWriter := typeObj.Name("DedicatedAllocations")
				a.dedicatedAllocations[typeIndex].BuildStatsString(dedicatedWriter)
			}
			typeObj.End()
		}
		poolsObj.End()
	}

	rootObj.End()

	if err := writer.Error(); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

func printDetailedStatisticsJson(stats *memcore.DetailedStatistics, obj *jwriter.ObjectState) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		obj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		obj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// Destroy tears the allocator down, returning every raw block to the
// driver. Live allocations are a caller bug: each one is logged at error
// level and Destroy fails without releasing the offending block list.
func (a *Allocator) Destroy() error {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Destroy")

	for typeIndex := 0; typeIndex < len(a.dedicatedAllocations); typeIndex++ {
		if !a.dedicatedAllocations[typeIndex].IsEmpty() {
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] live dedicated allocations at allocator teardown",
				slog.Int("MemoryTypeIndex", typeIndex),
			)
			return errors.Newf("memory type %d still holds live dedicated allocations", typeIndex)
		}
	}

	a.blockListsMutex.Lock()
	defer a.blockListsMutex.Unlock()

	for typeIndex := 0; typeIndex < len(a.memoryBlockLists); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList == nil {
			continue
		}

		err := blockList.Destroy()
		if err != nil {
			return errors.Wrapf(err, "failed to destroy the block list for memory type %d", typeIndex)
		}
		a.memoryBlockLists[typeIndex] = nil
	}

	return nil
}
