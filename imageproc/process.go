// Package imageproc converts between Go images and the NCHW tensors the
// pipeline consumes: resizing, normalization, mask binarization and the
// inverse conversion of decoded pixels.
package imageproc

import (
	"fmt"
	"image"

	gtensor "github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/jmorganca/sdpipe/tensor"
)

// Preprocessor resizes an image and converts it to a [1, C, H, W] tensor.
type Preprocessor struct {
	Method int

	// Grayscale produces one channel of luma instead of RGB.
	Grayscale bool
	// Normalize maps [0, 1] values to [-1, 1].
	Normalize bool
	// Binarize maps values >= 0.5 to 1 and the rest to 0.
	Binarize bool
}

// ImagePreprocessor prepares initial images for the latent encoder.
func ImagePreprocessor() Preprocessor {
	return Preprocessor{Method: ResizeCatmullrom, Normalize: true}
}

// MaskPreprocessor prepares inpainting masks: white marks the region to
// regenerate.
func MaskPreprocessor() Preprocessor {
	return Preprocessor{Method: ResizeCatmullrom, Grayscale: true, Binarize: true}
}

func (p Preprocessor) Preprocess(img image.Image, width, height int) (*tensor.Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("imageproc: invalid target size %dx%d", width, height)
	}

	rgba := Resize(Composite(img), image.Point{width, height}, p.Method)

	if p.Grayscale {
		vals := Gray(rgba)
		if p.Binarize {
			binarize(vals)
		}
		if p.Normalize {
			normalize(vals)
		}
		return tensor.FromSlice(vals, 1, 1, height, width), nil
	}

	mean, std := [3]float32{}, [3]float32{1, 1, 1}
	if p.Normalize && !p.Binarize {
		mean, std = StandardMean, StandardSTD
	}

	hwc := Normalize(rgba, mean, std)
	if p.Binarize {
		binarize(hwc)
		if p.Normalize {
			normalize(hwc)
		}
	}

	chw, err := channelsFirst(hwc, height, width, 3)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(chw, 1, 3, height, width), nil
}

// channelsFirst transposes HWC data to CHW.
func channelsFirst(data []float32, h, w, c int) ([]float32, error) {
	var t gtensor.Tensor = gtensor.New(gtensor.WithShape(h, w, c), gtensor.WithBacking(data))
	if err := t.T(2, 0, 1); err != nil {
		return nil, err
	}
	if err := t.Transpose(); err != nil {
		return nil, err
	}

	t = gtensor.Materialize(t)
	// flatten tensor so it can be returned as a vector
	if err := t.Reshape(t.Shape().TotalSize()); err != nil {
		return nil, err
	}
	return native.VectorF32(t.(*gtensor.Dense))
}

func binarize(vals []float32) {
	for i, v := range vals {
		if v >= 0.5 {
			vals[i] = 1
		} else {
			vals[i] = 0
		}
	}
}

func normalize(vals []float32) {
	for i, v := range vals {
		vals[i] = 2*v - 1
	}
}

// ResizeNearest resizes the spatial axes of an NCHW tensor with
// nearest-neighbor sampling.
func ResizeNearest(t *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("imageproc: expected NCHW tensor, got %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := tensor.New(n, c, height, width)
	for p := range n * c {
		src := t.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*height*width : (p+1)*height*width]
		for y := range height {
			sy := y * h / height
			for x := range width {
				dst[y*width+x] = src[sy*w+x*w/width]
			}
		}
	}
	return out, nil
}
