package vramkit

import (
	"github.com/cockroachdb/errors"

	"github.com/vramkit/vramkit/driver"
)

var (
	// ErrNoSuitableMemoryType is returned when no memory type in the device's
	// capability table satisfies an allocation's required property flags.
	// The constraints cannot be satisfied by retrying.
	ErrNoSuitableMemoryType = errors.New("no memory type satisfies the required property flags")
	// ErrAllocationTooLarge is returned when a requested size exceeds the
	// maximum block size configured for the memory type's block list, or the
	// owning heap's total capacity.
	ErrAllocationTooLarge = errors.New("requested allocation exceeds the maximum block size")
	// ErrInvalidHandle is returned when freeing an Allocation that is not
	// live- most commonly a second free of the same Allocation. The free is
	// rejected and allocator state is unchanged.
	ErrInvalidHandle = errors.New("allocation is not live")

	// ErrOutOfDeviceMemory is returned when a raw allocation fails or would
	// exceed heap budget. The caller may retry after freeing other
	// allocations; the allocator never retries internally.
	ErrOutOfDeviceMemory = driver.ErrOutOfDeviceMemory
	// ErrTooManyAllocations is returned when the driver's cap on live raw
	// allocations has been reached.
	ErrTooManyAllocations = driver.ErrTooManyAllocations
)
