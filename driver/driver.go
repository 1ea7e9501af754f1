// Package driver declares the boundary between vramkit and the native
// graphics API it suballocates for. vramkit never talks to the native API
// directly: consumers hand it a Provider that can answer the device's
// memory capability query and perform raw device-memory allocations, and
// vramkit carves those raw allocations up from there.
package driver

// MemoryPropertyFlags is a fixed-width bitset of properties a memory type
// can carry, matching the property bits reported by the native API's
// capability query.
type MemoryPropertyFlags uint32

const (
	// MemoryPropertyDeviceLocal indicates memory that is most efficient for
	// device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for host
	// access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory that does not
	// need explicit flush/invalidate calls
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached
	// on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that the device may
	// commit lazily
	MemoryPropertyLazilyAllocated
)

var memoryPropertyFlagsMapping = map[MemoryPropertyFlags]string{
	MemoryPropertyDeviceLocal:     "MemoryPropertyDeviceLocal",
	MemoryPropertyHostVisible:     "MemoryPropertyHostVisible",
	MemoryPropertyHostCoherent:    "MemoryPropertyHostCoherent",
	MemoryPropertyHostCached:      "MemoryPropertyHostCached",
	MemoryPropertyLazilyAllocated: "MemoryPropertyLazilyAllocated",
}

func (f MemoryPropertyFlags) String() string {
	var out string
	for bit := MemoryPropertyDeviceLocal; bit <= MemoryPropertyLazilyAllocated; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += memoryPropertyFlagsMapping[bit]
	}
	if out == "" {
		return "0"
	}
	return out
}

// MemoryType is one entry of the device's memory type table: the heap it
// draws from plus the properties raw allocations against it will have.
type MemoryType struct {
	HeapIndex     int
	PropertyFlags MemoryPropertyFlags
}

// MemoryHeap is one physical pool of device memory with a fixed capacity
// in bytes.
type MemoryHeap struct {
	Size int
}

// Memory is an opaque handle to one raw native device-memory allocation.
// vramkit treats it as a token: it is returned from Provider.AllocateMemory,
// surfaced to consumers through Allocation so they can bind resources to it,
// and eventually passed back to Provider.FreeMemory exactly once.
type Memory interface {
	// Size returns the size in bytes this handle was allocated with
	Size() int
}

// Provider is implemented by consumers to give vramkit access to the native
// API's memory primitives. MemoryTypes and MemoryHeaps are queried once at
// allocator construction and must not change afterward. AllocateMemory and
// FreeMemory may be called from multiple goroutines and must be safe for
// concurrent use.
type Provider interface {
	// MemoryTypes returns the device's ordered memory type table
	MemoryTypes() []MemoryType
	// MemoryHeaps returns the device's memory heaps, indexed by
	// MemoryType.HeapIndex
	MemoryHeaps() []MemoryHeap
	// MaxAllocationCount returns the driver's cap on simultaneously-live raw
	// allocations
	MaxAllocationCount() int

	// AllocateMemory performs one raw device-memory allocation of size bytes
	// against the given memory type index
	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	// FreeMemory returns a raw allocation to the driver
	FreeMemory(memory Memory)
}
