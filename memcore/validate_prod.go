//go:build !debug_vramkit

package memcore

// DebugMargin is the number of bytes of padding placed between suballocations
// in blocks managed by this module, to make out-of-bounds writes by consumers
// more likely to land in unclaimed space than in a neighboring allocation.
const DebugMargin int = 0

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_vramkit build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_vramkit build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
