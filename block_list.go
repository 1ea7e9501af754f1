package vramkit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vramkit/vramkit/internal/hw"
	"github.com/vramkit/vramkit/internal/utils"
	"github.com/vramkit/vramkit/memcore"
	"github.com/vramkit/vramkit/metadata"
)

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

// memoryBlockList owns every memory block for one memory type index. It
// decides when to grow (allocate a new block) or shrink (free an empty
// block) and performs the suballocation search across its blocks. All
// mutations are serialized under the list's own mutex, so pressure on one
// memory type never stalls allocation on another.
type memoryBlockList struct {
	parentAllocator *Allocator
	deviceMemory    *hw.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	minBlockSize           int
	maxBlockSize           int
	growthFactor           float64
	keepLastBlock          bool
	bufferImageGranularity int

	granularityHandler blockBufferImageGranularity

	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	nextBlockId int
}

func (l *memoryBlockList) MemoryTypeIndex() int { return l.memoryTypeIndex }

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	memoryTypeIndex int,
	minBlockSize, maxBlockSize int,
	growthFactor float64,
	keepLastBlock bool,
	bufferImageGranularity int,
) {
	l.parentAllocator = allocator
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.minBlockSize = minBlockSize
	l.maxBlockSize = maxBlockSize
	l.growthFactor = growthFactor
	l.keepLastBlock = keepLastBlock
	l.bufferImageGranularity = bufferImageGranularity
	l.granularityHandler.bufferImageGranularity = uint(bufferImageGranularity)
	l.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
		Mutex:    sync.RWMutex{},
	}
}

func (l *memoryBlockList) Destroy() error {
	for len(l.blocks) > 0 {
		block := l.blocks[len(l.blocks)-1]
		err := block.Destroy()
		if err != nil {
			return err
		}
		l.blocks = l.blocks[:len(l.blocks)-1]
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memcore.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memcore.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

// CreateBlock allocates one raw block of blockSize bytes and appends it to
// the list. The caller must hold the list's write lock.
func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	memory, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return -1, err
	}

	block := blockPool.Get().(*deviceMemoryBlock)
	block.Init(l.logger, l.deviceMemory, l.memoryTypeIndex, memory, blockSize, l.nextBlockId, l.bufferImageGranularity)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

// Allocate reserves a region of size bytes aligned to alignment from this
// list's blocks, growing the list when no existing block fits.
func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType SuballocationType, outAlloc *Allocation) error {
	if alignment == 0 {
		alignment = 1
	}

	// Low granularities are enforced by rounding requests up rather than by
	// page tracking, so block sizing below must see the rounded request
	size, alignment = l.granularityHandler.RoundUpAllocRequest(uint32(suballocType), size, alignment)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// Early reject: the request can never fit in a block this list is
	// allowed to create
	if size+memcore.DebugMargin > l.maxBlockSize {
		return errors.Wrapf(ErrAllocationTooLarge, "requested %d bytes with a maximum block size of %d", size, l.maxBlockSize)
	}

	// 1. Search existing blocks in creation order & try to allocate
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		currentBlock := l.blocks[blockIndex]
		if currentBlock == nil {
			panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
		}

		success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocType, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
			return nil
		}
	}

	if createInfo.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.Wrap(ErrOutOfDeviceMemory, "no existing block can hold the allocation and AllocationCreateNeverAllocate is set")
	}

	// 2. Create a new block and allocate from it
	newBlockSize, err := l.calcNewBlockSize(size + memcore.DebugMargin)
	if err != nil {
		return err
	}

	newBlockIndex, err := l.CreateBlock(newBlockSize)
	if err != nil {
		return err
	}

	block := l.blocks[newBlockIndex]
	if block.metadata.Size() < size {
		panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
	}
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block", slog.Int("block.id", block.id), slog.Int("size", newBlockSize))

	success, err := l.allocFromBlock(block, size, alignment, createInfo, suballocType, outAlloc)
	if err != nil {
		return err
	} else if !success {
		panic(fmt.Sprintf("a fresh block of size %d could not hold an allocation of size %d", newBlockSize, size))
	}

	return nil
}

// calcNewBlockSize sizes the next block: at least the configured minimum, at
// least the next power of two above the request, and growthFactor times the
// previous block, clamped to the maximum block size and to what remains of
// the heap budget.
func (l *memoryBlockList) calcNewBlockSize(allocSize int) (int, error) {
	newBlockSize := l.minBlockSize

	requestPow2 := memcore.NextPow2(allocSize)
	if requestPow2 > newBlockSize {
		newBlockSize = requestPow2
	}

	if len(l.blocks) > 0 {
		grownSize := int(float64(l.blocks[len(l.blocks)-1].metadata.Size()) * l.growthFactor)
		if grownSize > newBlockSize {
			newBlockSize = grownSize
		}
	}

	if newBlockSize > l.maxBlockSize {
		newBlockSize = l.maxBlockSize
	}

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	budget := hw.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &budget)

	freeMemory := budget.Budget - budget.Usage
	if freeMemory < newBlockSize {
		newBlockSize = freeMemory
	}

	if newBlockSize < allocSize {
		return 0, errors.Wrapf(ErrOutOfDeviceMemory, "heap %d has %d bytes left, which cannot hold a block for a %d-byte allocation", heapIndex, freeMemory, allocSize)
	}

	return newBlockSize, nil
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, createInfo *AllocationCreateInfo, suballocType SuballocationType, outAlloc *Allocation) (bool, error) {
	if !block.metadata.MayHaveFreeBlock(uint32(suballocType), size) {
		return false, nil
	}

	var strategy metadata.AllocationStrategy
	if createInfo.Flags&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if createInfo.Flags&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, uint32(suballocType), strategy)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	return true, l.commitAllocationRequest(currRequest, block, alignment, createInfo.UserData, suballocType, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, userData any, suballocType SuballocationType, outAlloc *Allocation) error {
	outAlloc.init(l.parentAllocator)

	handle, err := block.metadata.Alloc(allocRequest, uint32(suballocType), outAlloc)
	if err != nil {
		return err
	}

	outAlloc.initBlockAllocation(block, handle, alignment, allocRequest.Size, l.memoryTypeIndex, suballocType)
	outAlloc.SetUserData(userData)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, allocRequest.Size)

	memcore.DebugValidate(block)
	return nil
}

// Free releases an allocation back into its owning block and retires the
// block if it became empty and policy allows.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	blockToDelete, err := l.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block

	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHandle, "failed to free a suballocation in block %d: %s", block.id, err.Error())
	}
	memcore.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	// The block is empty & policy allows deleting it. The last remaining
	// block is normally kept even when empty, so steady-state churn does not
	// thrash the native allocator.
	if block.metadata.IsEmpty() && (len(l.blocks) > 1 || !l.keepLastBlock) {
		blockToDelete = block
		l.Remove(block)
	}

	return blockToDelete, nil
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		// jwriter's ObjectState tracks its needs-comma flag by value, so
		// blockObj must write its first field before copies are handed out
		blockObj := objState.Name(strconv.Itoa(block.id)).Object()
		blockObj.Name("MemoryTypeIndex").Int(l.memoryTypeIndex)

		block.metadata.BlockJsonData(blockObj)
		l.printDetailedMapAllocations(block.metadata, blockObj)
		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)

			if free {
				obj.Name("Type").String(SuballocationFree.String())
				obj.Name("Size").Int(size)
				return nil
			}

			var alloc *Allocation
			var isAllocation bool
			if userData != nil {
				alloc, isAllocation = userData.(*Allocation)
			}

			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
