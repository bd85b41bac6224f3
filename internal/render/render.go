// Package render turns canvas snapshots into PNG previews.
package render

import (
	"image"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"
)

var encoder = png.Encoder{CompressionLevel: png.BestSpeed}

// Thumbnail scales src to the given width, keeping the aspect ratio. A width
// that is not positive or not smaller than src's returns src unchanged.
func Thumbnail(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() {
		return src
	}
	height := max(1, b.Dy()*width/b.Dx())

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// EncodePNG writes img as a PNG, optimized for speed over size.
func EncodePNG(w io.Writer, img image.Image) error {
	return encoder.Encode(w, img)
}
