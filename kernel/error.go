package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers so they can be returned (and raised) before the heap is available;
// errors.New would need the allocator.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
