package canvas

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// BytesPerPixel is the scanout stride of one pixel (R, G, B, A).
const BytesPerPixel = 4

// ScanoutSize is the number of bytes Scanout writes.
func (c *Canvas) ScanoutSize() int {
	return len(c.pixels) * BytesPerPixel
}

// Scanout serializes the canvas row-major as R,G,B,A bytes into dst and
// returns the number of bytes written. dst must hold ScanoutSize bytes.
func (c *Canvas) Scanout(dst []byte) int {
	n := c.ScanoutSize()
	if len(dst) < n {
		panic(fmt.Sprintf("canvas: scanout buffer is %d bytes, need %d", len(dst), n))
	}
	for i, p := range c.pixels {
		binary.BigEndian.PutUint32(dst[i*BytesPerPixel:], uint32(p))
	}
	return n
}

// Canvas satisfies image.Image so snapshots can be encoded and scaled with
// the standard image tooling. Alpha is not composited for display: every
// pixel is reported opaque.
var _ image.Image = (*Canvas)(nil)

func (c *Canvas) ColorModel() color.Model { return color.RGBAModel }

func (c *Canvas) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(c.width), int(c.height))
}

func (c *Canvas) At(x, y int) color.Color {
	if x < 0 || y < 0 || !c.BoundsCheck(uint32(x), uint32(y)) {
		return color.RGBA{}
	}
	p := c.pixels[y*int(c.width)+x]
	return color.RGBA{R: p.R(), G: p.G(), B: p.B(), A: 0xFF}
}

// ToRGBA copies the canvas into a new opaque *image.RGBA.
func (c *Canvas) ToRGBA() *image.RGBA {
	img := image.NewRGBA(c.Bounds())
	c.Scanout(img.Pix)
	for i := 3; i < len(img.Pix); i += BytesPerPixel {
		img.Pix[i] = 0xFF
	}
	return img
}
