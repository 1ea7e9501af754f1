package vramkit

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/vramkit/vramkit/driver"
	"github.com/vramkit/vramkit/internal/hw"
	"github.com/vramkit/vramkit/metadata"
)

// deviceMemoryBlock binds one raw native allocation to the free-list
// metadata that subdivides it. It knows nothing about other blocks.
type deviceMemoryBlock struct {
	id              int
	memory          driver.Memory
	memoryTypeIndex int
	logger          *slog.Logger

	metadata           metadata.BlockMetadata
	deviceMemory       *hw.DeviceMemoryProperties
	granularityHandler blockBufferImageGranularity
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	deviceMemory *hw.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory driver.Memory,
	newSize int,
	id int,
	bufferImageGranularity int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = deviceMemory
	b.logger = logger
	b.granularityHandler.bufferImageGranularity = uint(bufferImageGranularity)
	b.granularityHandler.Init(newSize)

	b.metadata = metadata.NewFreeListBlockMetadata(bufferImageGranularity, &b.granularityHandler)
	b.metadata.Init(newSize)
}

func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this memory block!")
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing native memory handle")
	}

	b.deviceMemory.FreeDeviceMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)

	b.memory = nil
	b.metadata = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	userData = allocation.UserData()
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Errorf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
