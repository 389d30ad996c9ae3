// Package ymodem implements a YMODEM/XMODEM receiver that downloads an
// application image over a serial channel into the bootloader.
//
// The receiver requests checksum mode, which keeps it compatible with
// XMODEM, XMODEM-1K and YMODEM senders (YMODEM-capable senders support
// checksum mode as well as CRC mode). Both 128-byte and 1-kilobyte blocks
// are accepted.
//
// Reference: http://pauillac.inria.fr/~doligez/zmodem/ymodem.txt
package ymodem

import (
	"bytes"
	"io"
	"strconv"
	"time"
)

// Control bytes of the XMODEM family.
const (
	cSOH byte = 0x01 // 128-byte block header
	cSTX byte = 0x02 // 1024-byte block header
	cEOT byte = 0x04 // end of transmission
	cACK byte = 0x06
	cNAK byte = 0x15 // also the checksum-mode handshake byte
	cCAN byte = 0x18 // two in a row cancel the session
)

// Block geometry.
const (
	blockSizeXModem = 128
	blockSize1K     = 1024
)

// maxRetries bounds the per-block retry loop.
const maxRetries = 3

// Channel is the serial channel the receiver reads from. The read timeout
// is in milliseconds, matching go-serial's port interface, so a
// *serial.Port satisfies Channel directly.
type Channel interface {
	io.ReadWriter
	SetReadTimeout(timeout int) error
}

// Config holds the receiver configuration.
type Config struct {
	// InitialTimeout is how long to wait for the first block while the
	// operator starts the transfer on the other end.
	InitialTimeout time.Duration

	// BlockTimeout is how long to wait for each subsequent block header.
	BlockTimeout time.Duration

	// PayloadTimeout is how long to wait for the body of a started block.
	PayloadTimeout time.Duration

	// WatchdogKick is called between blocks so a hardware watchdog can be
	// reset during long transfers (optional).
	WatchdogKick func()

	// Logger is used for logging operations (optional)
	Logger Logger
}

// Logger is an optional logging interface, see bootloader.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

func defaultConfig() Config {
	return Config{
		InitialTimeout: 60 * time.Second,
		BlockTimeout:   5 * time.Second,
		PayloadTimeout: time.Second,
	}
}

// Option is a functional option for configuring the Receiver.
type Option func(*Config)

// WithInitialTimeout sets the wait for the first block.
func WithInitialTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialTimeout = d
		}
	}
}

// WithBlockTimeout sets the wait for each subsequent block.
func WithBlockTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.BlockTimeout = d
		}
	}
}

// WithWatchdogKick installs a callback invoked between blocks.
func WithWatchdogKick(kick func()) Option {
	return func(c *Config) {
		c.WatchdogKick = kick
	}
}

// WithLogger sets a logger for receiver operations.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Receiver downloads a file over a serial channel. It implements
// bootloader.Downloader.
type Receiver struct {
	ch  Channel
	cfg Config

	buf [blockSize1K + 2]byte
}

// New creates a Receiver over the given channel.
//
// Example:
//
//	port, _ := ymodem.OpenPort("/dev/ttyACM0", 115200)
//	rx := ymodem.New(port)
//	err := ctrl.Upgrade(rx)
func New(ch Channel, opts ...Option) *Receiver {
	if ch == nil {
		panic("channel cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Receiver{ch: ch, cfg: cfg}
}

// blockResult classifies one block reception attempt.
type blockResult int

const (
	blockOK blockResult = iota
	blockTimeout
	blockEndOfTransmission
	blockCancelled
	blockProtocolError
	blockSystemError
)

// Download implements bootloader.Downloader. It drives the handshake,
// receives blocks with per-block retries, parses the YMODEM zero block if
// the sender provides one, and streams payload bytes into the sink,
// truncated to the announced file size when one was announced.
func (r *Receiver) Download(sink io.Writer) error {
	r.flushReadQueue()

	// Request checksum mode.
	if err := r.sendByte(cNAK); err != nil {
		return err
	}

	var (
		firstBlock    = true
		ymodemSession = false
		expectedSeq   = byte(1)
		fileSize      = int64(-1)
		written       int64
		retries       int
		timeout       = r.cfg.InitialTimeout
	)

	for {
		r.kickTheDog()

		size, seq, res, err := r.receiveBlock(timeout)
		switch res {
		case blockOK:
			// handled below

		case blockTimeout, blockProtocolError:
			retries++
			if retries > maxRetries {
				r.abort()
				return ErrRetriesExhausted
			}
			r.flushReadQueue()
			if err := r.sendByte(cNAK); err != nil {
				return err
			}
			continue

		case blockEndOfTransmission:
			if err := r.sendByte(cACK); err != nil {
				return err
			}
			if ymodemSession {
				r.drainSessionEnd()
			}
			if firstBlock {
				return ErrRemoteRefused
			}
			return nil

		case blockCancelled:
			if firstBlock {
				return ErrRemoteRefused
			}
			return ErrTransferCancelled

		case blockSystemError:
			return err
		}

		retries = 0
		timeout = r.cfg.BlockTimeout

		if firstBlock && seq == 0 {
			// YMODEM zero block: file name, NUL, decimal size.
			firstBlock = false
			ymodemSession = true

			isNull, size64 := parseZeroBlock(r.buf[:size])
			if isNull {
				// Null block: the sender has nothing to offer.
				if err := r.sendByte(cACK); err != nil {
					return err
				}
				return ErrRemoteRefused
			}
			fileSize = size64
			r.logDebug("ymodem header received", "file_size", fileSize)

			if err := r.sendByte(cACK); err != nil {
				return err
			}
			// Solicit the first data block.
			if err := r.sendByte(cNAK); err != nil {
				return err
			}
			continue
		}
		firstBlock = false

		if seq == expectedSeq-1 {
			// Retransmission of a block we already accepted.
			if err := r.sendByte(cACK); err != nil {
				return err
			}
			continue
		}
		if seq != expectedSeq {
			r.abort()
			return ErrProtocol
		}

		payload := r.buf[:size]
		if fileSize >= 0 {
			if remaining := fileSize - written; int64(len(payload)) > remaining {
				payload = payload[:remaining]
			}
		}
		if len(payload) > 0 {
			if _, err := sink.Write(payload); err != nil {
				r.abort()
				return err
			}
			written += int64(len(payload))
		}

		expectedSeq++
		if err := r.sendByte(cACK); err != nil {
			return err
		}
	}
}

// receiveBlock reads one block: header byte, sequence pair, payload and
// checksum. The payload lands in r.buf.
func (r *Receiver) receiveBlock(headerTimeout time.Duration) (size int, seq byte, res blockResult, err error) {
	var header [1]byte
	n, err := r.receive(header[:], headerTimeout)
	if err != nil {
		return 0, 0, blockSystemError, err
	}
	if n == 0 {
		return 0, 0, blockTimeout, nil
	}

	switch header[0] {
	case cSOH:
		size = blockSizeXModem
	case cSTX:
		size = blockSize1K
	case cEOT:
		return 0, 0, blockEndOfTransmission, nil
	case cCAN:
		// A second CAN confirms the cancellation.
		n, err = r.receive(header[:], r.cfg.PayloadTimeout)
		if err == nil && n == 1 && header[0] == cCAN {
			return 0, 0, blockCancelled, nil
		}
		return 0, 0, blockProtocolError, nil
	default:
		return 0, 0, blockProtocolError, nil
	}

	var seqPair [2]byte
	n, err = r.receive(seqPair[:], r.cfg.PayloadTimeout)
	if err != nil {
		return 0, 0, blockSystemError, err
	}
	if n != 2 {
		return 0, 0, blockTimeout, nil
	}
	if seqPair[0] != ^seqPair[1] {
		return 0, 0, blockProtocolError, nil
	}

	n, err = r.receive(r.buf[:size+1], r.cfg.PayloadTimeout)
	if err != nil {
		return 0, 0, blockSystemError, err
	}
	if n != size+1 {
		return 0, 0, blockTimeout, nil
	}

	if computeChecksum(r.buf[:size]) != r.buf[size] {
		return 0, 0, blockProtocolError, nil
	}
	return size, seqPair[0], blockOK, nil
}

// parseZeroBlock interprets a YMODEM zero block: NUL-terminated file name
// followed by the decimal file size. The size field ends at the first
// non-digit byte (space, NUL or padding). A block starting with NUL is the
// null block that terminates a session.
func parseZeroBlock(data []byte) (isNull bool, fileSize int64) {
	if len(data) == 0 || data[0] == 0 {
		return true, -1
	}

	rest := data
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[i+1:]
	} else {
		return false, -1
	}
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	size, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
	if err != nil || size < 0 {
		return false, -1
	}
	return false, size
}

// drainSessionEnd handles the trailing YMODEM null block after EOT: it
// solicits the next "file", expects the null block and acknowledges it.
// Failures are ignored; the file we came for is already complete.
func (r *Receiver) drainSessionEnd() {
	if err := r.sendByte(cNAK); err != nil {
		return
	}
	size, seq, res, _ := r.receiveBlock(r.cfg.BlockTimeout)
	if res == blockOK && seq == 0 {
		if isNull, _ := parseZeroBlock(r.buf[:size]); isNull {
			_ = r.sendByte(cACK)
		}
	}
}

// computeChecksum is the XMODEM arithmetic checksum: the low byte of the
// sum of all payload bytes.
func computeChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// receive fills p from the channel, allowing up to timeout overall.
// Returns the number of bytes read; fewer than len(p) means the timeout
// expired.
func (r *Receiver) receive(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ms := int(remaining / time.Millisecond)
		if ms < 1 {
			ms = 1
		}
		if err := r.ch.SetReadTimeout(ms); err != nil {
			return got, err
		}
		n, err := r.ch.Read(p[got:])
		if err != nil {
			return got, err
		}
		if n == 0 {
			break // timeout
		}
		got += n
	}
	return got, nil
}

func (r *Receiver) sendByte(b byte) error {
	n, err := r.ch.Write([]byte{b})
	if err != nil || n != 1 {
		return ErrChannelWriteTimedOut
	}
	return nil
}

// abort tells the sender to stop by sending a burst of CANs.
func (r *Receiver) abort() {
	for i := 0; i < 3; i++ {
		if r.sendByte(cCAN) != nil {
			return
		}
	}
}

// flushReadQueue discards whatever is sitting in the receive buffer.
func (r *Receiver) flushReadQueue() {
	var scratch [64]byte
	for i := 0; i < 16; i++ {
		n, err := r.receive(scratch[:], 10*time.Millisecond)
		if err != nil || n < len(scratch) {
			return
		}
	}
}

func (r *Receiver) kickTheDog() {
	if r.cfg.WatchdogKick != nil {
		r.cfg.WatchdogKick()
	}
}

func (r *Receiver) logDebug(msg string, keysAndValues ...interface{}) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, keysAndValues...)
	}
}
