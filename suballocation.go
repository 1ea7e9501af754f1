package vramkit

// SuballocationType is the granularity class of a suballocation: the native
// API forbids linear (buffer) and non-linear (image) memory from sharing
// certain page boundaries, so the allocator tracks which class each
// committed region belongs to.
type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:         "SuballocationFree",
	SuballocationUnknown:      "SuballocationUnknown",
	SuballocationBuffer:       "SuballocationBuffer",
	SuballocationImageUnknown: "SuballocationImageUnknown",
	SuballocationImageLinear:  "SuballocationImageLinear",
	SuballocationImageOptimal: "SuballocationImageOptimal",
}

func (s SuballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}
