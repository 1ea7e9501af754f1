package vramkit

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vramkit/vramkit/driver"
	"github.com/vramkit/vramkit/metadata"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	memory    driver.Memory
	nextAlloc *Allocation
	prevAlloc *Allocation
}

// Allocation is the handle returned for one reserved region of device
// memory: a block id, an offset, and a size within one raw native
// allocation. It is owned exclusively by the caller it was handed to, and
// must be returned exactly once via Allocator.FreeMemory. A second free of
// the same Allocation is detected and rejected with ErrInvalidHandle.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType SuballocationType

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator) {
	a.alignment = 1
	a.size = 0
	a.userData = nil
	a.name = ""

	a.memoryTypeIndex = 0
	a.allocationType = allocationTypeNone
	a.suballocationType = 0
	a.parentAllocator = allocator
	a.blockData.handle = 0
	a.blockData.block = nil
	a.dedicatedData.memory = nil
	a.dedicatedData.nextAlloc = nil
	a.dedicatedData.prevAlloc = nil
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	alignment uint,
	size int,
	memoryTypeIndex int,
	suballocationType SuballocationType,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocationType
	a.blockData.handle = allocHandle
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	memory driver.Memory,
	size int,
	memoryTypeIndex int,
	suballocationType SuballocationType,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using nil device memory")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 1
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocationType
	a.dedicatedData.memory = memory
}

// Size returns the size in bytes of this allocation's region
func (a *Allocation) Size() int { return a.size }

// Alignment returns the alignment the region was reserved with
func (a *Allocation) Alignment() uint { return a.alignment }

// MemoryTypeIndex returns the index of the memory type the region was
// allocated from
func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

// UserData retrieves the arbitrary consumer data attached to this allocation
func (a *Allocation) UserData() any { return a.userData }

// SetUserData attaches arbitrary consumer data to this allocation
func (a *Allocation) SetUserData(userData any) { a.userData = userData }

// Name retrieves the diagnostic name attached to this allocation
func (a *Allocation) Name() string { return a.name }

// SetName attaches a diagnostic name to this allocation, reported in
// detailed maps and unreleased-memory logs
func (a *Allocation) SetName(name string) { a.name = name }

// Memory returns the raw native allocation this region lives in, so that the
// caller can bind a buffer or image against it at Offset().
func (a *Allocation) Memory() driver.Memory {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.memory
	case allocationTypeDedicated:
		return a.dedicatedData.memory
	}

	return nil
}

// BlockID returns the id of the memory block this region was carved from, or
// -1 for dedicated allocations, which own their raw memory outright.
func (a *Allocation) BlockID() int {
	if a.allocationType == allocationTypeBlock {
		return a.blockData.block.id
	}

	return -1
}

// Offset returns the byte offset of this region within its raw native
// allocation. Dedicated allocations always begin at offset 0.
func (a *Allocation) Offset() int {
	if a.allocationType != allocationTypeBlock {
		return 0
	}

	offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to locate the offset of a live block allocation: %+v", err))
	}

	return offset
}

func (a *Allocation) isLive() bool {
	return a.allocationType != allocationTypeNone
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the next dedicated allocation in the list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) setNextDedicatedAlloc(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the next dedicated allocation in the list, but this is not a dedicated allocation")
	}
	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the previous dedicated allocation in the list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setPrevDedicatedAlloc(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the previous dedicated allocation in the list, but this is not a dedicated allocation")
	}
	a.dedicatedData.prevAlloc = alloc
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
