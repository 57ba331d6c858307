package imageproc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/jmorganca/sdpipe/tensor"
)

// ToImages converts [B, 3, H, W] pixels with values in [lo, hi] into one
// image per batch row.
func ToImages(t *tensor.Tensor, lo, hi float32) ([]*image.RGBA, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D tensor [B, C, H, W], got %v", t.Shape)
	}
	if t.Shape[1] != 3 {
		return nil, fmt.Errorf("expected 3 channels (RGB), got %d", t.Shape[1])
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid pixel range [%v, %v]", lo, hi)
	}

	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	scale := 255 / (hi - lo)

	images := make([]*image.RGBA, t.Batch())
	for b := range images {
		row := t.Row(b)
		img := image.NewRGBA(image.Rect(0, 0, w, h))

		// Write directly to Pix slice (faster than SetRGBA)
		pix := img.Pix
		for i := range plane {
			pix[i*4+0] = uint8(clampF((row[i]-lo)*scale+0.5, 0, 255))
			pix[i*4+1] = uint8(clampF((row[plane+i]-lo)*scale+0.5, 0, 255))
			pix[i*4+2] = uint8(clampF((row[2*plane+i]-lo)*scale+0.5, 0, 255))
			pix[i*4+3] = 255
		}
		images[b] = img
	}
	return images, nil
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// SaveImage writes img as a PNG file, adding the extension if missing.
func SaveImage(img image.Image, path string) error {
	if filepath.Ext(path) != ".png" {
		path = path + ".png"
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeImageBase64 encodes img as a base64 PNG.
func EncodeImageBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
