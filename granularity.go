package vramkit

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/vramkit/vramkit/memcore"
)

const (
	// MaxLowBufferImageGranularity is the granularity value below which
	// per-page conflict tracking is skipped: rounding every allocation up to
	// a small granularity is cheaper than tracking page classes.
	MaxLowBufferImageGranularity uint = 256
)

type pageInfo struct {
	allocType  SuballocationType
	allocCount uint16
}

type granularityValidationContext struct {
	pageAllocs []uint16
}

// blockBufferImageGranularity tracks, per granularity page of one memory
// block, the usage class committed to that page, so that allocations of
// conflicting classes are never placed within the same page. It implements
// metadata.GranularityCheck.
type blockBufferImageGranularity struct {
	bufferImageGranularity uint
	pages                  []pageInfo
}

func (g *blockBufferImageGranularity) Init(size int) {
	if g.IsEnabled() {
		count := size / int(g.bufferImageGranularity)
		if size%int(g.bufferImageGranularity) > 0 {
			count++
		}

		if len(g.pages) >= count {
			g.pages = g.pages[:count]
		} else {
			g.pages = make([]pageInfo, count)
		}
	}
}

func (g *blockBufferImageGranularity) AllocationsConflict(
	firstAllocType uint32,
	secondAllocType uint32,
) bool {
	subAllocType1 := SuballocationType(firstAllocType)
	subAllocType2 := SuballocationType(secondAllocType)

	if subAllocType1 > subAllocType2 {
		subAllocType1, subAllocType2 = subAllocType2, subAllocType1
	}

	switch subAllocType1 {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return subAllocType2 == SuballocationImageUnknown || subAllocType2 == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return subAllocType2 == SuballocationImageUnknown || subAllocType2 == SuballocationImageLinear ||
			subAllocType2 == SuballocationImageOptimal
	case SuballocationImageLinear:
		return subAllocType2 == SuballocationImageOptimal
	case SuballocationImageOptimal:
		return false
	}

	return false
}

func (g *blockBufferImageGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	suballocType := SuballocationType(allocType)

	if g.bufferImageGranularity > 1 &&
		g.bufferImageGranularity <= MaxLowBufferImageGranularity &&
		(suballocType == SuballocationUnknown ||
			suballocType == SuballocationImageUnknown ||
			suballocType == SuballocationImageOptimal) {

		if allocAlignment < g.bufferImageGranularity {
			allocAlignment = g.bufferImageGranularity
		}

		allocSize = memcore.AlignUp(allocSize, g.bufferImageGranularity)
	}

	return allocSize, allocAlignment
}

func (g *blockBufferImageGranularity) CheckConflictAndAlignUp(
	allocOffset, allocSize, rangeOffset, rangeSize int,
	allocType uint32,
) (int, bool) {
	if !g.IsEnabled() {
		return allocOffset, false
	}

	startPage := g.getStartPage(allocOffset)
	if g.pages[startPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[startPage].allocType), allocType) {

		allocOffset = memcore.AlignUp(allocOffset, g.bufferImageGranularity)

		if rangeSize < allocSize+allocOffset-rangeOffset {
			return allocOffset, true
		}

		startPage++
	}

	endPage := g.getEndPage(allocOffset, allocSize)
	if endPage != startPage && g.pages[endPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[endPage].allocType), allocType) {
		return allocOffset, true
	}

	return allocOffset, false
}

func (g *blockBufferImageGranularity) AllocPages(allocType uint32, offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.getStartPage(offset)
	g.allocPage(&g.pages[startPage], SuballocationType(allocType))

	endPage := g.getEndPage(offset, size)
	if startPage != endPage {
		g.allocPage(&g.pages[endPage], SuballocationType(allocType))
	}
}

func (g *blockBufferImageGranularity) FreePages(offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.getStartPage(offset)
	g.pages[startPage].allocCount--
	if g.pages[startPage].allocCount == 0 {
		g.pages[startPage].allocType = SuballocationFree
	}

	endPage := g.getEndPage(offset, size)
	if startPage != endPage {
		g.pages[endPage].allocCount--
		if g.pages[endPage].allocCount == 0 {
			g.pages[endPage].allocType = SuballocationFree
		}
	}
}

func (g *blockBufferImageGranularity) Clear() {
	if g.pages != nil {
		g.pages = make([]pageInfo, len(g.pages))
	}
}

func (g *blockBufferImageGranularity) StartValidation() any {
	context := &granularityValidationContext{}

	if g.IsEnabled() {
		context.pageAllocs = make([]uint16, len(g.pages))
	}

	return context
}

func (g *blockBufferImageGranularity) Validate(anyCtx any, offset, size int) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidationContext)
	start := g.getStartPage(offset)
	ctx.pageAllocs[start]++
	if g.pages[start].allocCount < 1 {
		return errors.Errorf("no allocations in start page %d", start)
	}

	end := g.getEndPage(offset, size)
	if start != end {
		ctx.pageAllocs[end]++
		if g.pages[end].allocCount < 1 {
			return errors.Errorf("no allocations in end page %d", end)
		}
	}

	return nil
}

func (g *blockBufferImageGranularity) FinishValidation(anyCtx any) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidationContext)

	for pageIndex, page := range g.pages {
		if ctx.pageAllocs[pageIndex] != page.allocCount {
			return errors.Errorf("allocation count mismatch on page %d", pageIndex)
		}
	}
	ctx.pageAllocs = nil

	return nil
}

func (g *blockBufferImageGranularity) allocPage(page *pageInfo, allocType SuballocationType) {
	if page.allocCount == 0 || (page.allocCount > 0 && page.allocType == SuballocationFree) {
		page.allocType = allocType
	}

	page.allocCount++
}

func (g *blockBufferImageGranularity) IsEnabled() bool {
	return g.bufferImageGranularity > MaxLowBufferImageGranularity
}

func (g *blockBufferImageGranularity) getStartPage(offset int) int {
	return g.offsetToPageIndex(offset & int(^(g.bufferImageGranularity - 1)))
}

func (g *blockBufferImageGranularity) getEndPage(offset int, size int) int {
	return g.offsetToPageIndex((offset + size - 1) & int(^(g.bufferImageGranularity - 1)))
}

func (g *blockBufferImageGranularity) offsetToPageIndex(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.bufferImageGranularity)))
}
