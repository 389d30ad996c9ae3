package appimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Layout constants of the on-flash descriptor.
const (
	// SignatureSize is the length of the descriptor signature in bytes
	SignatureSize = 8

	// InfoSize is the packed size of AppInfo in bytes
	InfoSize = 22

	// DescriptorSize is the packed size of the full descriptor in bytes
	DescriptorSize = 32

	// ImagePadding is the required alignment of the descriptor and the
	// required multiple of the image size
	ImagePadding = 8

	// CRCFieldOffset is the byte offset of the image_crc field relative to
	// the start of the descriptor. These 8 bytes are excluded from the CRC
	// computation by substituting zeros.
	CRCFieldOffset = SignatureSize
)

// Signature identifies a descriptor in flash.
var Signature = [SignatureSize]byte{'A', 'P', 'D', 'e', 's', 'c', '0', '0'}

// AppInfo describes the application image currently stored in flash.
type AppInfo struct {
	// ImageCRC is the CRC-64/WE over [0, ImageSize) with the CRC field zeroed
	ImageCRC uint64

	// ImageSize is the image length in bytes; a positive multiple of 8
	ImageSize uint32

	// VCSCommit is the short VCS hash of the application source
	VCSCommit uint32

	// Major and Minor form the application version
	Major uint8
	Minor uint8
}

// Descriptor is the signature-bearing structure located inside the image.
// The reserved tail bytes are zero on write and ignored on read.
type Descriptor struct {
	Info AppInfo
}

// Valid reports whether the descriptor passes the structural checks:
// signature already matched, image size positive, within maxImageSize and a
// multiple of 8. It does not verify the CRC; see Scan.
func (d *Descriptor) Valid(maxImageSize uint32) bool {
	return d.Info.ImageSize > 0 &&
		d.Info.ImageSize <= maxImageSize &&
		d.Info.ImageSize%ImagePadding == 0
}

// MarshalBinary encodes the descriptor into its 32-byte packed form.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	copy(buf, Signature[:])
	binary.LittleEndian.PutUint64(buf[8:], d.Info.ImageCRC)
	binary.LittleEndian.PutUint32(buf[16:], d.Info.ImageSize)
	binary.LittleEndian.PutUint32(buf[20:], d.Info.VCSCommit)
	buf[24] = d.Info.Major
	buf[25] = d.Info.Minor
	// bytes 26..31 reserved, zero
	return buf, nil
}

// UnmarshalBinary decodes a 32-byte packed descriptor.
// It fails if the buffer is short or the signature does not match.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return fmt.Errorf("descriptor too short: got %d bytes, need %d", len(data), DescriptorSize)
	}
	if !bytes.Equal(data[:SignatureSize], Signature[:]) {
		return fmt.Errorf("bad descriptor signature %q", data[:SignatureSize])
	}
	d.Info.ImageCRC = binary.LittleEndian.Uint64(data[8:])
	d.Info.ImageSize = binary.LittleEndian.Uint32(data[16:])
	d.Info.VCSCommit = binary.LittleEndian.Uint32(data[20:])
	d.Info.Major = data[24]
	d.Info.Minor = data[25]
	return nil
}

// String implements fmt.Stringer for log output.
func (i AppInfo) String() string {
	return fmt.Sprintf("v%d.%d vcs %08x, %d bytes, crc %016x",
		i.Major, i.Minor, i.VCSCommit, i.ImageSize, i.ImageCRC)
}
