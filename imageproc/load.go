package imageproc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// LoadImage reads an image file, applying its EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadImageFromBytes(b)
}

// LoadImageFromBytes decodes a JPEG or PNG image, applying EXIF orientation.
func LoadImageFromBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return applyOrientation(img, jpegOrientation(bytes.NewReader(data))), nil
}

// applyOrientation rotates or flips img according to an EXIF orientation
// value 1-8.
func applyOrientation(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// orientations 5-8 are transposed
	outW, outH := w, h
	if orientation >= 5 {
		outW, outH = h, w
	}

	dest := map[int]func(x, y int) (int, int){
		2: func(x, y int) (int, int) { return w - 1 - x, y },
		3: func(x, y int) (int, int) { return w - 1 - x, h - 1 - y },
		4: func(x, y int) (int, int) { return x, h - 1 - y },
		5: func(x, y int) (int, int) { return y, x },
		6: func(x, y int) (int, int) { return h - 1 - y, x },
		7: func(x, y int) (int, int) { return h - 1 - y, w - 1 - x },
		8: func(x, y int) (int, int) { return y, w - 1 - x },
	}[orientation]

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := range h {
		for x := range w {
			dx, dy := dest(x, y)
			out.Set(dx, dy, img.At(x+bounds.Min.X, y+bounds.Min.Y))
		}
	}
	return out
}

// jpegOrientation scans JPEG markers for an EXIF APP1 segment and returns
// its orientation tag, or 1 when there is none.
func jpegOrientation(r io.Reader) int {
	br := bufio.NewReader(r)

	var soi [2]byte
	if _, err := io.ReadFull(br, soi[:]); err != nil || soi != [2]byte{0xFF, 0xD8} {
		return 1
	}

	for {
		var marker [2]byte
		if _, err := io.ReadFull(br, marker[:]); err != nil || marker[0] != 0xFF {
			return 1
		}

		switch m := marker[1]; {
		case m == 0xD9 || m == 0xDA:
			// end of image or start of scan, no EXIF before pixel data
			return 1
		case m >= 0xD0 && m <= 0xD7:
			// restart markers carry no length
			continue
		}

		var size uint16
		if err := binary.Read(br, binary.BigEndian, &size); err != nil || size < 2 {
			return 1
		}

		segment := make([]byte, size-2)
		if _, err := io.ReadFull(br, segment); err != nil {
			return 1
		}

		if marker[1] == 0xE1 && len(segment) >= 14 && string(segment[:4]) == "Exif" {
			return exifOrientation(segment[6:])
		}
	}
}

// exifOrientation reads tag 0x0112 from IFD0 of a TIFF structure.
func exifOrientation(tiff []byte) int {
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "MM":
		order = binary.BigEndian
	case "II":
		order = binary.LittleEndian
	default:
		return 1
	}

	ifd := int(order.Uint32(tiff[4:8]))
	if ifd+2 > len(tiff) {
		return 1
	}

	entries := int(order.Uint16(tiff[ifd : ifd+2]))
	for i := range entries {
		off := ifd + 2 + i*12
		if off+12 > len(tiff) {
			break
		}
		if order.Uint16(tiff[off:off+2]) == 0x0112 {
			return int(order.Uint16(tiff[off+8 : off+10]))
		}
	}
	return 1
}
