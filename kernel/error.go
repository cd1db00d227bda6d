package kernel

// Error describes a kernel error. Errors are declared as package-level
// pointers to Error so that they can be returned by allocation paths without
// allocating and compared by identity.
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
