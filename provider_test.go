package vramkit

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vramkit/vramkit/driver"
)

type fakeDeviceMemory struct {
	size int
}

func (m *fakeDeviceMemory) Size() int { return m.size }

// fakeProvider is an in-memory driver.Provider that tracks every raw
// allocation it hands out.
type fakeProvider struct {
	types              []driver.MemoryType
	heaps              []driver.MemoryHeap
	maxAllocationCount int

	mutex      sync.Mutex
	live       map[driver.Memory]int
	allocCalls int
	freeCalls  int
	failNext   error
}

// newFakeProvider builds a provider with a small desktop-like capability
// table: one device-local heap and one host heap served by two host-visible
// types.
func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		types: []driver.MemoryType{
			{HeapIndex: 0, PropertyFlags: driver.MemoryPropertyDeviceLocal},
			{HeapIndex: 1, PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent},
			{HeapIndex: 1, PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCached},
		},
		heaps: []driver.MemoryHeap{
			{Size: 256 * 1024 * 1024},
			{Size: 1024 * 1024 * 1024},
		},
		maxAllocationCount: 4096,
		live:               make(map[driver.Memory]int),
	}
}

func (p *fakeProvider) MemoryTypes() []driver.MemoryType { return p.types }
func (p *fakeProvider) MemoryHeaps() []driver.MemoryHeap { return p.heaps }
func (p *fakeProvider) MaxAllocationCount() int          { return p.maxAllocationCount }

func (p *fakeProvider) AllocateMemory(memoryTypeIndex int, size int) (driver.Memory, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(p.types) {
		return nil, errors.Errorf("allocation against unknown memory type index %d", memoryTypeIndex)
	}

	memory := &fakeDeviceMemory{size: size}
	p.live[memory] = memoryTypeIndex
	p.allocCalls++
	return memory, nil
}

func (p *fakeProvider) FreeMemory(memory driver.Memory) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, found := p.live[memory]
	if !found {
		panic("the allocator freed memory the provider never handed out")
	}
	delete(p.live, memory)
	p.freeCalls++
}

func (p *fakeProvider) liveCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.live)
}

func (p *fakeProvider) allocationCalls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.allocCalls
}

func (p *fakeProvider) freeMemoryCalls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.freeCalls
}
