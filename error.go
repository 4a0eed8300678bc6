package ckptset

import "fmt"

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// InvalidArgument is returned before any resource is touched: empty name or
	// path, unknown direction, unsupported encoding-mode combination.
	InvalidArgument
	// NotFound means an operation referenced an unknown scheme or set id.
	NotFound
	// CollaboratorFailure means the redundancy or placement layer reported an
	// error during dispatch; the state marker is left at Corrupt.
	CollaboratorFailure
	FileIOError
	// ResourceLeak is returned by Close when schemes or sets are still registered.
	ResourceLeak
)

// ckptset custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}
