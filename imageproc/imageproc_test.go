package imageproc

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jmorganca/sdpipe/tensor"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessImage(t *testing.T) {
	img := solid(16, 8, color.RGBA{255, 0, 51, 255})

	got, err := ImagePreprocessor().Preprocess(img, 4, 2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 3, 2, 4}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	want := make([]float32, 0, 24)
	for _, v := range []float32{1, -1, -0.6} {
		for range 8 {
			want = append(want, v)
		}
	}
	if diff := cmp.Diff(want, got.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestPreprocessMask(t *testing.T) {
	img := solid(8, 8, color.Black)
	for y := range 8 {
		for x := range 4 {
			img.Set(x, y, color.RGBA{230, 230, 230, 255})
		}
	}

	got, err := MaskPreprocessor().Preprocess(img, 8, 8)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 1, 8, 8}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	for y := range 8 {
		for _, x := range []int{0, 1, 2, 5, 6, 7} {
			want := float32(0)
			if x < 4 {
				want = 1
			}
			if v := got.Data[y*8+x]; v != want {
				t.Errorf("mask[%d][%d] = %v, want %v", y, x, v, want)
			}
		}
	}

	for _, v := range got.Data {
		if v != 0 && v != 1 {
			t.Fatalf("mask value %v is not binary", v)
		}
	}
}

func TestResizeNearest(t *testing.T) {
	in := tensor.FromSlice([]float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	}, 1, 1, 4, 4)

	got, err := ResizeNearest(in, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 2, 8, 10}, got.Data); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := ResizeNearest(tensor.New(4, 4), 2, 2); err == nil {
		t.Error("expected error for non-NCHW input")
	}
}

func TestToImages(t *testing.T) {
	// two 1x2 images, channels first
	pixels := tensor.FromSlice([]float32{
		-1, 1, 0, 0, 1, -1,
		2, -2, 1, 1, 1, 1,
	}, 2, 3, 1, 2)

	images, err := ToImages(pixels, -1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 {
		t.Fatalf("got %d images, want 2", len(images))
	}

	if diff := cmp.Diff([]uint8{0, 128, 255, 255, 255, 128, 0, 255}, images[0].Pix); diff != "" {
		t.Errorf("image 0 mismatch (-want +got):\n%s", diff)
	}
	// out of range values clamp
	if diff := cmp.Diff([]uint8{255, 255, 255, 255, 0, 255, 255, 255}, images[1].Pix); diff != "" {
		t.Errorf("image 1 mismatch (-want +got):\n%s", diff)
	}

	if _, err := ToImages(tensor.New(1, 4, 2, 2), 0, 1); err == nil {
		t.Error("expected error for 4 channels")
	}
}

func TestApplyOrientation(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	red, blue := color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255}
	img.Set(0, 0, red)
	img.Set(1, 0, blue)

	rotated := applyOrientation(img, 6)
	if b := rotated.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("rotated bounds = %v, want 1x2", b)
	}
	if got := color.RGBAModel.Convert(rotated.At(0, 1)); got != blue {
		t.Errorf("rotated (0,1) = %v, want blue", got)
	}

	mirrored := applyOrientation(img, 2)
	if got := color.RGBAModel.Convert(mirrored.At(0, 0)); got != blue {
		t.Errorf("mirrored (0,0) = %v, want blue", got)
	}

	if applyOrientation(img, 1) != image.Image(img) {
		t.Error("orientation 1 should return the input")
	}
}

func TestExifOrientation(t *testing.T) {
	tiff := make([]byte, 8+2+12)
	copy(tiff, "II")
	binary.LittleEndian.PutUint16(tiff[2:], 42)
	binary.LittleEndian.PutUint32(tiff[4:], 8)
	binary.LittleEndian.PutUint16(tiff[8:], 1)
	binary.LittleEndian.PutUint16(tiff[10:], 0x0112)
	binary.LittleEndian.PutUint16(tiff[12:], 3)
	binary.LittleEndian.PutUint32(tiff[14:], 1)
	binary.LittleEndian.PutUint16(tiff[18:], 6)

	if got := exifOrientation(tiff); got != 6 {
		t.Errorf("exifOrientation() = %d, want 6", got)
	}

	copy(tiff, "XX")
	if got := exifOrientation(tiff); got != 1 {
		t.Errorf("exifOrientation() with bad byte order = %d, want 1", got)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(2, 1, color.RGBA{0, 0, 255, 255})

	path := filepath.Join(t.TempDir(), "out")
	if err := SaveImage(img, path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".png"); err != nil {
		t.Fatalf("expected the png extension to be added: %v", err)
	}

	got, err := LoadImage(path + ".png")
	if err != nil {
		t.Fatal(err)
	}
	if got.Bounds() != img.Bounds() {
		t.Fatalf("bounds %v, want %v", got.Bounds(), img.Bounds())
	}
	for _, p := range []image.Point{{0, 0}, {2, 1}, {1, 1}} {
		if diff := cmp.Diff(color.RGBAModel.Convert(img.At(p.X, p.Y)), color.RGBAModel.Convert(got.At(p.X, p.Y))); diff != "" {
			t.Errorf("pixel %v mismatch (-want +got):\n%s", p, diff)
		}
	}

	if _, err := LoadImage(filepath.Join(t.TempDir(), "missing.png")); !os.IsNotExist(err) {
		t.Errorf("expected a not exist error, got %v", err)
	}
	if _, err := LoadImageFromBytes([]byte("not an image")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestEncodeImageBase64(t *testing.T) {
	img := solid(2, 2, color.RGBA{10, 20, 30, 255})

	s, err := EncodeImageBase64(img)
	if err != nil {
		t.Fatal(err)
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(color.RGBA{10, 20, 30, 255}, color.RGBAModel.Convert(got.At(1, 1))); diff != "" {
		t.Errorf("pixel mismatch (-want +got):\n%s", diff)
	}
}
