package appimage

// CRC-64/WE parameters.
// Reference: http://reveng.sourceforge.net/crc-catalogue/17plus.htm#crc.cat-bits.64
const (
	// crc64Poly is the CRC-64/WE generator polynomial (not reflected)
	crc64Poly = 0x42F0E1EBA9EA3693

	// crc64Init is the initial shift register value (all ones)
	crc64Init = 0xFFFFFFFFFFFFFFFF

	// crc64XorOut is XORed into the register to produce the final value
	crc64XorOut = 0xFFFFFFFFFFFFFFFF

	// crc64Mask selects the bit shifted out on each step
	crc64Mask = uint64(1) << 63
)

// CRC64WE is a streaming CRC-64/WE checksum.
//
// Image verification runs against the watchdog window, so the inner loop is
// manually unrolled; the shift/xor sequence must stay eight explicit steps.
//
// Check vector: CRC-64/WE over ASCII "123456789" is 0x62EC59E3F1A4F00A.
type CRC64WE struct {
	crc uint64
}

// NewCRC64WE returns a checksum initialized to the all-ones starting state.
func NewCRC64WE() *CRC64WE {
	return &CRC64WE{crc: crc64Init}
}

// Update feeds p into the checksum.
func (c *CRC64WE) Update(p []byte) {
	crc := c.crc
	for _, b := range p {
		crc ^= uint64(b) << 56

		// Do not fold this into a loop, the performance difference is drastic.
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
		if crc&crc64Mask != 0 {
			crc = (crc << 1) ^ crc64Poly
		} else {
			crc <<= 1
		}
	}
	c.crc = crc
}

// Sum returns the checksum of the bytes fed so far.
// The receiver state is not consumed; Update may be called again.
func (c *CRC64WE) Sum() uint64 {
	return c.crc ^ crc64XorOut
}

// Checksum is a convenience wrapper computing the CRC-64/WE of p in one call.
func Checksum(p []byte) uint64 {
	c := NewCRC64WE()
	c.Update(p)
	return c.Sum()
}
