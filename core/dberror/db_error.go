// Package dberror holds the error taxonomy shared by every storage layer.
//
// Errors are plain sentinels. Call sites wrap them with context using
// fmt.Errorf("%w: ...", dberror.ErrX) and callers classify with errors.Is.
package dberror

import "errors"

// --- Error Definitions ---

var (
	// ErrFormat reports a magic/version mismatch or a malformed file header.
	ErrFormat = errors.New("invalid storage format")
	// ErrCorruption reports a checksum mismatch on the header or on a page.
	ErrCorruption = errors.New("storage corruption detected")
	// ErrSecurity reports a wrong or missing password, or a cipher failure.
	ErrSecurity = errors.New("storage security error")
	// ErrBounds reports an invalid block/page id or an out-of-range slot.
	ErrBounds = errors.New("index out of bounds")
	// ErrCapacity reports a write that does not fit its page or block.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrIO reports a failure of the underlying file system.
	ErrIO = errors.New("i/o error")
	// ErrClosed reports use of a storage handle after Close.
	ErrClosed = errors.New("storage is closed")
)
