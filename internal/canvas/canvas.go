// Package canvas holds the pixel grid that Pixelflut clients paint on.
//
// A Canvas is not safe for concurrent use. Ownership is handed between
// goroutines by the role rotation in package framebuf, never by locking the
// canvas itself.
package canvas

import (
	"fmt"
	"math/bits"
)

// Canvas is a fixed-size, row-major grid of pixels with one dirty bit per pixel.
type Canvas struct {
	width  uint32
	height uint32
	pixels []Pixel
	dirty  []uint64
}

// New allocates a width x height canvas with every pixel zero and no dirty bits.
func New(width, height uint32) *Canvas {
	n := int(width) * int(height)
	return &Canvas{
		width:  width,
		height: height,
		pixels: make([]Pixel, n),
		dirty:  make([]uint64, (n+63)/64),
	}
}

func (c *Canvas) Width() uint32  { return c.width }
func (c *Canvas) Height() uint32 { return c.height }

// Len is the number of pixels.
func (c *Canvas) Len() int { return len(c.pixels) }

// BoundsCheck reports whether (x, y) addresses a pixel of c.
func (c *Canvas) BoundsCheck(x, y uint32) bool {
	return x < c.width && y < c.height
}

// SameGeometry reports whether c and o have identical dimensions.
func (c *Canvas) SameGeometry(o *Canvas) bool {
	return c.width == o.width && c.height == o.height
}

func (c *Canvas) index(x, y uint32) int {
	if !c.BoundsCheck(x, y) {
		panic(fmt.Sprintf("canvas: pixel (%d,%d) outside %dx%d", x, y, c.width, c.height))
	}
	return int(y)*int(c.width) + int(x)
}

// Get returns the pixel at (x, y). Callers must bounds-check first; an
// out-of-range coordinate panics.
func (c *Canvas) Get(x, y uint32) Pixel {
	return c.pixels[c.index(x, y)]
}

// Set stores p at (x, y) and marks it dirty. Callers must bounds-check
// first; an out-of-range coordinate panics.
func (c *Canvas) Set(x, y uint32, p Pixel) {
	i := c.index(x, y)
	c.pixels[i] = p
	c.dirty[i>>6] |= 1 << (uint(i) & 63)
}

// IsDirty reports whether (x, y) was written since the last drain.
func (c *Canvas) IsDirty(x, y uint32) bool {
	i := c.index(x, y)
	return c.dirty[i>>6]&(1<<(uint(i)&63)) != 0
}

// DirtyCount returns the number of dirty pixels.
func (c *Canvas) DirtyCount() int {
	n := 0
	for _, w := range c.dirty {
		n += bits.OnesCount64(w)
	}
	return n
}

// ClearDirty drops every dirty bit without touching pixel values.
func (c *Canvas) ClearDirty() {
	clear(c.dirty)
}

func (c *Canvas) mustMatch(src *Canvas, op string) {
	if !c.SameGeometry(src) {
		panic(fmt.Sprintf("canvas: %s between %dx%d and %dx%d",
			op, c.width, c.height, src.width, src.height))
	}
}

// MergeFrom overlays every dirty pixel of src onto c using blend (nil means
// Overwrite), then clears all of src's dirty bits. c's own dirty bits are left
// alone. It returns the number of pixels merged and panics when the
// geometries differ.
func (c *Canvas) MergeFrom(src *Canvas, blend BlendFunc) int {
	c.mustMatch(src, "merge")

	merged := 0
	for wi, word := range src.dirty {
		if word == 0 {
			continue
		}
		merged += bits.OnesCount64(word)
		base := wi << 6
		for word != 0 {
			i := base + bits.TrailingZeros64(word)
			if blend == nil {
				c.pixels[i] = src.pixels[i]
			} else {
				c.pixels[i] = blend(c.pixels[i], src.pixels[i])
			}
			word &= word - 1
		}
		src.dirty[wi] = 0
	}
	return merged
}

// CopyFrom replaces every pixel of c with src's. Dirty bits of both canvases
// are untouched. It panics when the geometries differ.
func (c *Canvas) CopyFrom(src *Canvas) {
	c.mustMatch(src, "copy")
	copy(c.pixels, src.pixels)
}
