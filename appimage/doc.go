// Package appimage defines the on-flash application image format and the
// scanner that locates and verifies a resident application.
//
// # Image Format
//
// An application image is a flat byte blob padded to a multiple of 8 bytes.
// Somewhere inside it, aligned to an 8-byte boundary, lives a 32-byte
// descriptor:
//
//	signature[8] = "APDesc00"
//	AppInfo[22]  = image_crc:u64 | image_size:u32 | vcs_commit:u32 | major:u8 | minor:u8
//	reserved[6]  = zero on write, ignored on read
//
// All multi-byte fields are little-endian. The image CRC is CRC-64/WE
// computed over bytes [0, image_size) of the image with the 8 bytes of the
// image_crc field itself replaced by zeros.
//
// # Scanning
//
// Scan walks a storage region in 8-byte steps looking for the signature.
// A signature hit alone is not trusted: the descriptor must pass the size
// bounds and the declared CRC must match the computed one. A 64-bit
// signature can collide with random data, so a failed candidate does not
// abort the scan.
package appimage
