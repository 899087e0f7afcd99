package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the memory management and scheduling code paths may run
// in interrupt context where the Go allocator cannot be used, so errors.New is
// off limits.
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

// Is reports whether target is the same error value. It allows callers that
// hold a plain error (e.g. a recovered panic value) to compare against the
// package-level error variables.
func Is(err interface{}, target *Error) bool {
	kerr, ok := err.(*Error)
	return ok && kerr == target
}
