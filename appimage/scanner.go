package appimage

import "bytes"

// ScanChunk is the read granularity of the CRC verification pass. Backend
// read latency dominates the scan, so reads are issued in chunks of this
// size, never byte by byte. The worst-case CRC window per backend call is
// therefore ScanChunk bytes; implementations sizing a watchdog window should
// budget for one chunk read plus the CRC of ScanChunk bytes.
const ScanChunk = 1024

// Storage is the read side of the application NVM consumed by the scanner.
// Reads are byte-addressed and may return fewer bytes than requested at the
// end of the region; the scanner treats a short read as the region boundary.
type Storage interface {
	ReadAt(off int64, p []byte) (int, error)
}

// Scan walks the storage from offset 0 in 8-byte steps until it finds an
// authentic descriptor: one whose signature matches, whose structural
// predicate holds, and whose declared CRC equals the CRC-64/WE computed over
// the image with the CRC field zeroed. The first authentic descriptor wins.
//
// A signature match with an invalid or mismatching descriptor does not stop
// the walk; random data can collide with the 64-bit signature. The
// maxImageSize bound prunes such collisions before the expensive CRC pass.
//
// scratch must be at least ScanChunk bytes; pass nil to allocate one.
// The second return value is the descriptor offset within the storage.
func Scan(s Storage, maxImageSize uint32, scratch []byte) (Descriptor, int64, bool) {
	if len(scratch) < ScanChunk {
		scratch = make([]byte, ScanChunk)
	}

	var sig [SignatureSize]byte
	var descBuf [DescriptorSize]byte

	for offset := int64(0); ; offset += ImagePadding {
		n, _ := s.ReadAt(offset, sig[:])
		if n != len(sig) {
			break
		}
		if !bytes.Equal(sig[:], Signature[:]) {
			continue
		}

		n, _ = s.ReadAt(offset, descBuf[:])
		if n != len(descBuf) {
			break
		}
		var desc Descriptor
		if err := desc.UnmarshalBinary(descBuf[:]); err != nil {
			continue
		}
		if !desc.Valid(maxImageSize) {
			continue
		}

		if verifyImageCRC(s, offset, &desc, scratch) {
			return desc, offset, true
		}
	}

	return Descriptor{}, 0, false
}

// verifyImageCRC computes the image CRC with the stored CRC field replaced
// by zeros and compares it against the declared value. Reads are chunked
// through scratch; a failed read simply truncates the computation, which
// then fails the comparison.
func verifyImageCRC(s Storage, descOffset int64, desc *Descriptor, scratch []byte) bool {
	crcOffset := descOffset + CRCFieldOffset
	imageSize := int64(desc.Info.ImageSize)

	crc := NewCRC64WE()

	// Up to the CRC field; in most cases this fits in one chunk.
	for i := int64(0); i < crcOffset; {
		want := crcOffset - i
		if want > int64(len(scratch)) {
			want = int64(len(scratch))
		}
		n, _ := s.ReadAt(i, scratch[:want])
		if n <= 0 {
			break
		}
		crc.Update(scratch[:n])
		i += int64(n)
	}

	// The CRC field itself counts as zeros.
	var zeros [8]byte
	crc.Update(zeros[:])

	// The rest of the image.
	for i := crcOffset + 8; i < imageSize; {
		want := imageSize - i
		if want > int64(len(scratch)) {
			want = int64(len(scratch))
		}
		n, _ := s.ReadAt(i, scratch[:want])
		if n <= 0 {
			break
		}
		crc.Update(scratch[:n])
		i += int64(n)
	}

	return crc.Sum() == desc.Info.ImageCRC
}
