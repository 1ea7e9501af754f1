package vramkit

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vramkit/vramkit/driver"
	"github.com/vramkit/vramkit/internal/hw"
	"github.com/vramkit/vramkit/memcore"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateDestroyEmptyLastBlock instructs block lists to destroy their final remaining
	// block as soon as it becomes empty. By default the last block survives empty so that
	// steady-state churn does not repeatedly allocate and free raw device memory.
	AllocatorCreateDestroyEmptyLastBlock
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
	AllocatorCreateDestroyEmptyLastBlock:  "AllocatorCreateDestroyEmptyLastBlock",
}

func (f CreateFlags) String() string {
	var out string
	for bit := AllocatorCreateExternallySynchronized; bit <= AllocatorCreateDestroyEmptyLastBlock; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += createFlagsMapping[bit]
	}
	if out == "" {
		return "None"
	}
	return out
}

const (
	// defaultMinBlockSize is the floor for newly-created blocks when none is
	// provided via CreateOptions. It is equal to 16Mb.
	defaultMinBlockSize = 16 * 1024 * 1024
	// defaultMaxBlockSize is the ceiling for block growth when none is
	// provided via CreateOptions. It is equal to 256Mb.
	defaultMaxBlockSize = 256 * 1024 * 1024
	// defaultGrowthFactor is the multiplier applied to the previous block's
	// size when a block list grows.
	defaultGrowthFactor = 2.0
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MinBlockSize is the smallest raw block a block list will create. It must be a power
	// of two. When 0, a 16Mb floor is used.
	MinBlockSize int
	// MaxBlockSize is the largest raw block a block list will create, and therefore the
	// largest region a non-dedicated allocation may request. It must be a power of two no
	// smaller than MinBlockSize. When 0, a 256Mb ceiling is used.
	MaxBlockSize int
	// GrowthFactor is the multiplier applied to the previous block's size when a block
	// list creates its next block. It must be at least 1. When 0, a factor of 2 is used.
	GrowthFactor float64

	// BufferImageGranularity is the device's required separation, in bytes, between
	// linear (buffer) and non-linear (image) regions within one block. It must be a
	// power of two. When 0 or 1, no separation is enforced.
	BufferImageGranularity int

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the
	// driver.Provider used to create this Allocator. Each entry must be either the
	// maximum number of bytes that should be allocated from the corresponding heap, or
	// 0 indicating no limit.
	//
	// Heap memory limits are enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

// New creates a new Allocator that suballocates device memory obtained
// through provider.
//
// logger - Structured logger for debug and leak diagnostics. It is valid to pass nil,
// in which case slog.Default() is used
//
// provider - The driver the allocator queries for memory capabilities and raw memory.
// It must not be nil
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider driver.Provider, options CreateOptions) (*Allocator, error) {
	if provider == nil {
		return nil, errors.New("attempted to create an allocator with a nil driver provider")
	}
	if logger == nil {
		logger = slog.Default()
	}

	minBlockSize := options.MinBlockSize
	if minBlockSize == 0 {
		minBlockSize = defaultMinBlockSize
	}
	maxBlockSize := options.MaxBlockSize
	if maxBlockSize == 0 {
		maxBlockSize = defaultMaxBlockSize
	}
	growthFactor := options.GrowthFactor
	if growthFactor == 0 {
		growthFactor = defaultGrowthFactor
	}
	bufferImageGranularity := options.BufferImageGranularity
	if bufferImageGranularity == 0 {
		bufferImageGranularity = 1
	}

	err := memcore.CheckPow2(minBlockSize, "CreateOptions.MinBlockSize")
	if err != nil {
		return nil, err
	}
	err = memcore.CheckPow2(maxBlockSize, "CreateOptions.MaxBlockSize")
	if err != nil {
		return nil, err
	}
	err = memcore.CheckPow2(bufferImageGranularity, "CreateOptions.BufferImageGranularity")
	if err != nil {
		return nil, err
	}
	if minBlockSize > maxBlockSize {
		return nil, errors.Newf("provided MinBlockSize %d was greater than provided MaxBlockSize %d", minBlockSize, maxBlockSize)
	}
	if growthFactor < 1 {
		return nil, errors.Newf("provided GrowthFactor %f must be at least 1", growthFactor)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	deviceMemory, err := hw.NewDeviceMemoryProperties(provider, options.HeapSizeLimits)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		useMutex: useMutex,
		logger:   logger,

		createFlags: options.Flags,

		minBlockSize:           minBlockSize,
		maxBlockSize:           maxBlockSize,
		growthFactor:           growthFactor,
		bufferImageGranularity: bufferImageGranularity,

		deviceMemory: deviceMemory,
	}
	allocator.blockListsMutex.UseMutex = useMutex

	typeCount := deviceMemory.MemoryTypeCount()
	allocator.memoryBlockLists = make([]*memoryBlockList, typeCount)
	allocator.dedicatedAllocations = make([]*dedicatedAllocationList, typeCount)
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex)
	}

	return allocator, nil
}
