package driver

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDeviceMemory indicates that a raw allocation failed or would
	// have exceeded the owning heap's capacity. Provider implementations
	// should return it (or wrap it) when the native allocation call reports
	// device-memory exhaustion.
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrTooManyAllocations indicates that the driver's cap on
	// simultaneously-live raw allocations has been reached.
	ErrTooManyAllocations = errors.New("too many live device memory allocations")
)
