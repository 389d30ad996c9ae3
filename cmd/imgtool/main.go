// Command imgtool prepares and inspects application images for the
// bootloader: it stamps the descriptor (image size, CRC-64/WE over the
// image with the CRC field zeroed) into a freshly built binary and prints
// descriptor contents of existing images.
//
// Usage:
//
//	imgtool patch <input.bin|input.hex> <output.bin>
//	imgtool show  <image.bin>
//
// Intel HEX inputs are flattened starting at the lowest data segment; gaps
// between segments are filled with 0xFF.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/marcinbor85/gohex"

	"github.com/tavrox/go-fieldboot/appimage"
	"github.com/tavrox/go-fieldboot/storage"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "patch":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		err = patch(args[1], args[2])
	case "show":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = show(args[1])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "imgtool:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  imgtool patch <input.bin|input.hex> <output.bin>
  imgtool show  <image.bin>
`)
}

func patch(inPath, outPath string) error {
	image, err := loadImage(inPath)
	if err != nil {
		return err
	}

	image, desc, err := appimage.PatchImage(image)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, image, 0o644); err != nil {
		return err
	}

	fmt.Printf("%s: %d bytes, %s\n", outPath, len(image), desc.Info)
	return nil
}

func show(path string) error {
	image, err := loadImage(path)
	if err != nil {
		return err
	}

	region := storage.NewMemory(len(image))
	region.Load(image)

	desc, offset, ok := appimage.Scan(region, uint32(len(image)), nil)
	if !ok {
		if off := appimage.FindSignature(image); off >= 0 {
			return fmt.Errorf("descriptor at offset %d failed verification", off)
		}
		return fmt.Errorf("no descriptor in %s", path)
	}

	fmt.Printf("descriptor offset: %d\n", offset)
	fmt.Printf("app info:          %s\n", desc.Info)
	return nil
}

// loadImage reads a raw binary or, when the file name ends in ".hex", the
// flattened Intel HEX contents.
func loadImage(path string) ([]byte, error) {
	if isHex(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()

		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		segments := mem.GetDataSegments()
		if len(segments) == 0 {
			return nil, fmt.Errorf("%s contains no data", path)
		}

		base := segments[0].Address
		end := base
		for _, s := range segments {
			if s.Address < base {
				base = s.Address
			}
			if top := s.Address + uint32(len(s.Data)); top > end {
				end = top
			}
		}

		image := make([]byte, end-base)
		for i := range image {
			image[i] = 0xFF
		}
		for _, s := range segments {
			copy(image[s.Address-base:], s.Data)
		}
		return image, nil
	}

	return os.ReadFile(path)
}

func isHex(path string) bool {
	n := len(path)
	return n > 4 && path[n-4:] == ".hex"
}
