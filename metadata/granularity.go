package metadata

// GranularityCheck is provided by the consuming memory system to enforce
// page-granularity constraints between suballocations of incompatible types,
// such as the buffer-image granularity requirement of some graphics APIs. If
// the memory system has no such constraint, a no-op implementation may be
// used.
type GranularityCheck interface {
	AllocPages(allocType uint32, offset, size int)
	FreePages(offset, size int)
	Clear()
	CheckConflictAndAlignUp(allocOffset, allocSize, rangeOffset, rangeSize int, allocType uint32) (int, bool)
	RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint)
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool

	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}
