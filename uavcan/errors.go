package uavcan

import "fmt"

// Error codes specific to this module, from the 30000 range.
// Protocol front-ends report them in negated form over the wire.
const (
	CodeDriverError                = 30002
	CodeProtocolError              = 30003
	CodeTransferCancelledByRemote  = 30004
	CodeRemoteRefusedToProvideFile = 30005
)

// Error is a UAVCAN loader error with a stable numeric code.
type Error struct {
	Code int
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Name, e.Code)
}

var (
	// ErrDriver means the CAN driver failed while the transfer was active.
	ErrDriver = &Error{Code: CodeDriverError, Name: "CAN driver error"}

	// ErrProtocol means the remote stopped answering or answered with
	// something the file-transfer engine cannot use.
	ErrProtocol = &Error{Code: CodeProtocolError, Name: "protocol error"}

	// ErrTransferCancelled means the transfer was cancelled, either by the
	// remote or by a local reboot request.
	ErrTransferCancelled = &Error{Code: CodeTransferCancelledByRemote, Name: "transfer cancelled by remote"}

	// ErrRemoteRefused means the file server answered with a file-system
	// error instead of data.
	ErrRemoteRefused = &Error{Code: CodeRemoteRefusedToProvideFile, Name: "remote refused to provide the file"}
)
