package ymodem

import (
	"github.com/albenik/go-serial/v2"
)

// OpenPort opens a serial port configured for a firmware transfer: 8N1,
// the given baud rate, and a finite read timeout so the receiver's block
// timeouts work. The returned port satisfies Channel.
func OpenPort(name string, baudrate int) (*serial.Port, error) {
	return serial.Open(
		name,
		serial.WithBaudrate(baudrate),
		serial.WithDataBits(8),
		serial.WithParity(serial.NoParity),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithReadTimeout(1000),
	)
}
