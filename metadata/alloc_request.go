package metadata

// AllocationStrategy exposes options for choosing the location of a new
// memory allocation within a block.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation to minimize allocation time, possibly at the expense of allocation quality
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. This achieves highly packed data at some cost in allocation quality.
	AllocationStrategyMinOffset
)

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where
// the metadata intends to place a new suballocation. The request can be applied to the actual
// memory system consuming this package, and then committed to the metadata with
// BlockMetadata.Alloc.
type AllocationRequest struct {
	// Size is the total size of the allocation, which may be larger than what was originally
	// requested due to granularity rounding
	Size int
	// Item carries the chosen offset and size for the new suballocation
	Item Suballocation
	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType uint32
}
