package ymodem

import "fmt"

// Error codes specific to this module, from the 20000 range.
// Protocol front-ends report them in negated form over the wire.
const (
	CodeChannelWriteTimedOut       = 20001
	CodeRetriesExhausted           = 20002
	CodeProtocolError              = 20003
	CodeTransferCancelledByRemote  = 20004
	CodeRemoteRefusedToProvideFile = 20005
)

// Error is a YMODEM loader error with a stable numeric code.
type Error struct {
	Code int
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Name, e.Code)
}

var (
	// ErrChannelWriteTimedOut means the serial channel did not accept an
	// outgoing byte in time.
	ErrChannelWriteTimedOut = &Error{Code: CodeChannelWriteTimedOut, Name: "channel write timed out"}

	// ErrRetriesExhausted means the same block kept failing until the retry
	// budget ran out.
	ErrRetriesExhausted = &Error{Code: CodeRetriesExhausted, Name: "retries exhausted"}

	// ErrProtocol means the sender violated the block framing.
	ErrProtocol = &Error{Code: CodeProtocolError, Name: "protocol error"}

	// ErrTransferCancelled means the sender aborted the session.
	ErrTransferCancelled = &Error{Code: CodeTransferCancelledByRemote, Name: "transfer cancelled by remote"}

	// ErrRemoteRefused means the sender terminated the session before
	// providing any file data.
	ErrRemoteRefused = &Error{Code: CodeRemoteRefusedToProvideFile, Name: "remote refused to provide the file"}
)
