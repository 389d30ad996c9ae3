package bootloader

import "fmt"

// Error codes carried by the bootloader core.
// Protocol front-ends report them in negated form over the wire,
// i.e. -10001 means code 10001.
const (
	CodeOK                  = 0
	CodeInvalidState        = 10001
	CodeImageTooLarge       = 10002
	CodeStorageWriteFailure = 10003
)

// Error is a bootloader error with a stable numeric code.
// Compare with errors.Is against the exported sentinels.
type Error struct {
	// Code is the numeric error code from the 10000 range
	Code int

	// Name is a short human-readable identifier
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Name, e.Code)
}

var (
	// ErrInvalidState is returned by Upgrade when the controller is in a
	// state that does not permit starting an upgrade.
	ErrInvalidState = &Error{Code: CodeInvalidState, Name: "invalid state"}

	// ErrImageTooLarge is returned by the sink when a write would exceed
	// the configured maximum application image size.
	ErrImageTooLarge = &Error{Code: CodeImageTooLarge, Name: "application image too large"}

	// ErrStorageWriteFailure is returned by the sink when the backend
	// acknowledges fewer bytes than requested.
	ErrStorageWriteFailure = &Error{Code: CodeStorageWriteFailure, Name: "application storage write failure"}
)
