package hw

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vramkit/vramkit/driver"
	"github.com/vramkit/vramkit/memcore"
)

// Budget describes how much of a heap's capacity has been claimed by raw
// block allocations.
type Budget struct {
	Statistics memcore.Statistics
	Usage      int
	Budget     int
}

// DeviceMemoryProperties wraps a driver.Provider with per-heap budget
// accounting so that raw allocations never exceed heap capacity (or the
// consumer's configured limits) and never exceed the driver's cap on live
// allocation count. All accounting is atomic- budget space is reserved with
// a CAS before the native call and rolled back if the call fails.
type DeviceMemoryProperties struct {
	// Number of raw allocations that have been made from device memory
	blockCount []int32
	// Number of suballocations that have actually been doled out for use
	allocationCount []int32
	// Bytes of raw allocations that have been made from device memory
	blockBytes []int64
	// Bytes of suballocations that have actually been doled out for use
	allocationBytes []int64

	memoryCount    uint32
	maxAllocations int
	heapLimits     []int

	provider    driver.Provider
	memoryTypes []driver.MemoryType
	memoryHeaps []driver.MemoryHeap
}

func NewDeviceMemoryProperties(
	provider driver.Provider,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	memoryTypes := provider.MemoryTypes()
	memoryHeaps := provider.MemoryHeaps()

	if len(memoryTypes) == 0 {
		return nil, errors.New("the driver reported no memory types")
	}
	if len(memoryHeaps) == 0 {
		return nil, errors.New("the driver reported no memory heaps")
	}

	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != len(memoryHeaps) {
		return nil, errors.New("CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of device heaps")
	}

	for typeIndex, memoryType := range memoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(memoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which the driver did not report", typeIndex, memoryType.HeapIndex)
		}
	}

	return &DeviceMemoryProperties{
		blockCount:      make([]int32, len(memoryHeaps)),
		allocationCount: make([]int32, len(memoryHeaps)),
		blockBytes:      make([]int64, len(memoryHeaps)),
		allocationBytes: make([]int64, len(memoryHeaps)),

		maxAllocations: provider.MaxAllocationCount(),
		heapLimits:     heapSizeLimits,

		provider:    provider,
		memoryTypes: memoryTypes,
		memoryHeaps: memoryHeaps,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) driver.MemoryType {
	return m.memoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) driver.MemoryHeap {
	return m.memoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) MemoryTypes() []driver.MemoryType {
	return m.memoryTypes
}

// HeapBudget populates budget with the heap's capacity (respecting any
// consumer-configured limit) and current raw-allocation usage.
func (m *DeviceMemoryProperties) HeapBudget(heapIndex int, budget *Budget) {
	budget.Budget = m.heapCapacity(heapIndex)
	budget.Usage = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	budget.Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	budget.Statistics.BlockBytes = budget.Usage
	budget.Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
	budget.Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))
}

func (m *DeviceMemoryProperties) heapCapacity(heapIndex int) int {
	capacity := m.memoryHeaps[heapIndex].Size
	if len(m.heapLimits) > 0 && m.heapLimits[heapIndex] > 0 && m.heapLimits[heapIndex] < capacity {
		capacity = m.heapLimits[heapIndex]
	}
	return capacity
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return driver.ErrOutOfDeviceMemory
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory performs one raw allocation through the underlying
// Provider, first reserving budget space and an allocation-count slot. On
// any failure the reservations are rolled back and the error surfaced; the
// call is never retried here.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem driver.Memory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if m.maxAllocations > 0 && int(newDeviceCount) > m.maxAllocations {
		return nil, errors.Wrapf(driver.ErrTooManyAllocations, "the driver caps live allocations at %d", m.maxAllocations)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	err = m.addBlockAllocationWithBudget(heapIndex, size, m.heapCapacity(heapIndex))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	mem, err = m.provider.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, errors.Wrapf(err, "native allocation of %d bytes from memory type %d failed", size, memoryTypeIndex)
	}

	return mem, nil
}

func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryTypeIndex int, size int, memory driver.Memory) {
	m.provider.FreeMemory(memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// AddAllocation records one suballocation handed out to a consumer.
func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

// RemoveAllocation records one suballocation returned by a consumer.
func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// DeviceAllocationCount returns the number of live raw allocations.
func (m *DeviceMemoryProperties) DeviceAllocationCount() int {
	return int(atomic.LoadUint32(&m.memoryCount))
}
