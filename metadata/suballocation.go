package metadata

import "math"

// BlockAllocationHandle identifies one live suballocation within a
// BlockMetadata. Handles are never reused within a block's lifetime, so a
// stale handle (freed, or never issued) can always be told apart from a live
// one.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}
