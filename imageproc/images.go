package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	// StandardMean and StandardSTD map [0, 1] pixels to [-1, 1].
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardSTD  = [3]float32{0.5, 0.5, 0.5}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a solid color.
func CompositeColor(img image.Image, color color.Color) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)

	return dst
}

// Normalize returns the r, g, b values of img in HWC order, rescaled to
// [0, 1] and then normalized by mean and std.
func Normalize(img *image.RGBA, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	pixelVals := make([]float32, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.RGBAAt(x, y)
			pixelVals = append(pixelVals,
				(float32(c.R)/255-mean[0])/std[0],
				(float32(c.G)/255-mean[1])/std[1],
				(float32(c.B)/255-mean[2])/std[2],
			)
		}
	}
	return pixelVals
}

// Gray returns the luma of img in [0, 1], one value per pixel.
func Gray(img *image.RGBA) []float32 {
	bounds := img.Bounds()
	vals := make([]float32, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.RGBAAt(x, y)).(color.Gray)
			vals = append(vals, float32(g.Y)/255)
		}
	}
	return vals
}
