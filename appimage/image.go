package appimage

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrNoDescriptor is returned by PatchImage when the image carries no
// descriptor signature on any 8-byte boundary.
var ErrNoDescriptor = errors.New("appimage: no descriptor signature found")

// FindSignature returns the offset of the first descriptor signature in
// image, scanning on 8-byte boundaries, or -1 if there is none.
func FindSignature(image []byte) int {
	for off := 0; off+DescriptorSize <= len(image); off += ImagePadding {
		if bytes.Equal(image[off:off+SignatureSize], Signature[:]) {
			return off
		}
	}
	return -1
}

// PatchImage prepares a freshly built binary for booting: it pads the image
// to a multiple of 8 bytes, stamps the padded length into the descriptor's
// image_size field, computes the image CRC with the CRC field zeroed, and
// stores it. The returned slice is the padded image (it may alias the input
// if no padding was needed).
func PatchImage(image []byte) ([]byte, Descriptor, error) {
	if pad := (ImagePadding - len(image)%ImagePadding) % ImagePadding; pad > 0 {
		image = append(image, make([]byte, pad)...)
	}

	off := FindSignature(image)
	if off < 0 {
		return nil, Descriptor{}, ErrNoDescriptor
	}

	binary.LittleEndian.PutUint32(image[off+16:], uint32(len(image)))

	crc := NewCRC64WE()
	crc.Update(image[:off+CRCFieldOffset])
	var zeros [8]byte
	crc.Update(zeros[:])
	crc.Update(image[off+CRCFieldOffset+8:])
	binary.LittleEndian.PutUint64(image[off+CRCFieldOffset:], crc.Sum())

	var desc Descriptor
	if err := desc.UnmarshalBinary(image[off:]); err != nil {
		return nil, Descriptor{}, err
	}
	return image, desc, nil
}
