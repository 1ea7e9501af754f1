package vramkit

// AllocationCreateFlags exposes options for allocation behavior that can be
// applied per request.
type AllocationCreateFlags int32

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give this
	// allocation its own raw memory block rather than suballocating it from a
	// shared block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only place the
	// allocation in existing memory blocks and never create new blocks.
	//
	// If the allocation cannot be placed in any existing block, allocation
	// fails with ErrOutOfDeviceMemory
	AllocationCreateNeverAllocate
	// AllocationCreateStrategyMinMemory selects the allocation strategy that
	// chooses the smallest-possible free range for the allocation to minimize
	// fragmentation, possibly at the expense of allocation time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime selects the allocation strategy that
	// chooses the first suitable free range for the allocation, minimizing
	// allocation time. This is the default.
	AllocationCreateStrategyMinTime

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime
)

var allocationCreateFlagsMapping = map[AllocationCreateFlags]string{
	AllocationCreateDedicatedMemory:   "AllocationCreateDedicatedMemory",
	AllocationCreateNeverAllocate:     "AllocationCreateNeverAllocate",
	AllocationCreateStrategyMinMemory: "AllocationCreateStrategyMinMemory",
	AllocationCreateStrategyMinTime:   "AllocationCreateStrategyMinTime",
}

func (f AllocationCreateFlags) String() string {
	var out string
	for bit := AllocationCreateDedicatedMemory; bit <= AllocationCreateStrategyMinTime; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += allocationCreateFlagsMapping[bit]
	}
	if out == "" {
		return "0"
	}
	return out
}
