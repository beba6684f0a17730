package onnx

import (
	"image"

	"github.com/nfnt/resize"
)

// toTensor stretches img to width x height and writes it into dst as planar
// RGB (CHW) scaled to [0,1]. dst must hold 3*width*height values.
func toTensor(img image.Image, width, height int, dst []float32) {
	resized := resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	bounds := resized.Bounds()

	stride := width * height
	idx := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			dst[idx] = float32(r>>8) / 255.0
			dst[idx+stride] = float32(g>>8) / 255.0
			dst[idx+2*stride] = float32(b>>8) / 255.0
			idx++
		}
	}
}
