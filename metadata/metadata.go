package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vramkit/vramkit/memcore"
)

// BlockMetadata manages the suballocations within one large block of memory
// in some external memory system: it tracks which byte ranges are committed
// and which are free, and decides where new suballocations are placed. It
// holds no reference to the memory itself, only its layout.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the block
	// in bytes and prepares the metadata structures for allocations.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata via an
	// exhaustive walk. When the implementation is functioning correctly it
	// should not be possible for this method to return an error, but it may
	// assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live
	AllocationCount() int
	// FreeRegionsCount returns the number of disjoint regions of free memory in
	// the block. Adjacent free regions are always merged, so this is also the
	// fragmentation count.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could
	// possibly support a new allocation of the provided type and size. False
	// positives are acceptable, false negatives are not.
	MayHaveFreeBlock(allocType uint32, size int) bool
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each suballocation
	// and free region in the block, in offset order.
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationOffset returns the offset in bytes within the block for the
	// live suballocation the handle maps to. It returns an error for a handle
	// that does not map to a live suballocation.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata value provided by the consumer
	// for the live suballocation the handle maps to.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userdata value for the live
	// suballocation the handle maps to.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided
	// memcore.DetailedStatistics object.
	AddDetailedStatistics(stats *memcore.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided
	// memcore.Statistics object.
	AddStatistics(stats *memcore.Statistics)

	// Clear instantly frees all suballocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating
	// where the implementation would prefer to place the requested
	// suballocation. That object can be passed to Alloc to commit it.
	//
	// The boolean return is false when no free region can fit the request.
	// That is a normal outcome, not an error: errors are reserved for invalid
	// arguments.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		allocType uint32,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, creating the suballocation within
	// the block. The implementation must return an error if the request is no
	// longer valid- i.e. the targeted free region no longer exists, has moved,
	// or is no longer large enough to support the request.
	Alloc(request AllocationRequest, allocType uint32, userData any) (BlockAllocationHandle, error)

	// Free releases a suballocation within the block, causing its range to
	// become free once again and merging it with any adjacent free regions.
	//
	// The implementation must return an error if the provided handle does not
	// map to a live suballocation within this block, including handles that
	// have already been freed.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase provides shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size                  int
	allocationGranularity int
	granularityHandler    GranularityCheck
}

// NewBlockMetadata creates a new BlockMetadataBase from a granularity value and handler. These
// are memory-system-specific and should have been provided by the consumer. See GranularityCheck
// for more information. If your memory system does not have granularity requirements,
// then allocationGranularity should be 1.
func NewBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) BlockMetadataBase {
	return BlockMetadataBase{
		size:                  0,
		allocationGranularity: allocationGranularity,
		granularityHandler:    granularityHandler,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
