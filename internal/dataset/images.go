package dataset

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
)

// ImageSize reads only the header of an image file.
func ImageSize(path string) (w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg.Width, cfg.Height, nil
}

// ReadImage decodes a PNG or JPEG file into row-major RGB values in [0, 1].
// Transparent pixels are composited over black.
func ReadImage(path string) (pix []float32, w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	pix, w, h = ToFloat(img)
	return pix, w, h, nil
}

// ToFloat converts an image to row-major RGB values in [0, 1].
func ToFloat(img image.Image) (pix []float32, w, h int) {
	b := img.Bounds()
	w, h = b.Dx(), b.Dy()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	}
	pix = make([]float32, w*h*3)
	for y := range h {
		row := rgba.Pix[y*rgba.Stride:]
		for x := range w {
			for c := range 3 {
				pix[(y*w+x)*3+c] = float32(row[x*4+c]) / 255
			}
		}
	}
	return pix, w, h
}

// FromFloat quantises row-major RGB values to an 8-bit image, clamping to
// [0, 1].
func FromFloat(pix []float32, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range w * h {
		var px color.NRGBA
		px.A = 255
		ch := [3]*uint8{&px.R, &px.G, &px.B}
		for c, dst := range ch {
			v := pix[i*3+c]
			switch {
			case !(v > 0):
				*dst = 0
			case v >= 1:
				*dst = 255
			default:
				*dst = uint8(v*255 + 0.5)
			}
		}
		img.SetNRGBA(i%w, i/w, px)
	}
	return img
}

// WritePNG encodes pix as an 8-bit PNG at path.
func WritePNG(path string, pix []float32, w, h int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := png.Encode(bw, FromFloat(pix, w, h)); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
