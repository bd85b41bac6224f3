package canvas

import (
	"bytes"
	"image/color"
	"testing"
)

func TestPixelPacking(t *testing.T) {
	p := RGBA(0x11, 0x22, 0x33, 0x44)
	if uint32(p) != 0x11223344 {
		t.Fatalf("packed = %#08x, want 0x11223344", uint32(p))
	}
	r, g, b, a := p.Channels()
	if r != 0x11 || g != 0x22 || b != 0x33 || a != 0x44 {
		t.Errorf("Channels() = %02x %02x %02x %02x", r, g, b, a)
	}
	if got := p.String(); got != "11223344" {
		t.Errorf("String() = %q", got)
	}
}

func TestDecodeHexColor(t *testing.T) {
	tests := []struct {
		in     string
		want   Pixel
		wantOK bool
	}{
		{"FF8000", RGBA(0xFF, 0x80, 0x00, 0xFF), true},
		{"ff8000", RGBA(0xFF, 0x80, 0x00, 0xFF), true},
		{"FF800080", RGBA(0xFF, 0x80, 0x00, 0x80), true},
		// 3-digit digits are literal channel values, not duplicated.
		{"F00", RGBA(0x0F, 0x00, 0x00, 0xFF), true},
		{"abc", RGBA(0x0A, 0x0B, 0x0C, 0xFF), true},
		{"", 0, false},
		{"F", 0, false},
		{"FFFF", 0, false},
		{"FFFFF", 0, false},
		{"FFFFFFF", 0, false},
		{"FFFFFFFFF", 0, false},
		{"GG0000", 0, false},
		{"ZZ", 0, false},
		{"00000g", 0, false},
		{"0000000x", 0, false},
	}
	for _, tt := range tests {
		got, ok := DecodeHexColor([]byte(tt.in))
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("DecodeHexColor(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewCanvasIsBlankAndClean(t *testing.T) {
	c := New(7, 3)
	if c.Width() != 7 || c.Height() != 3 || c.Len() != 21 {
		t.Fatalf("geometry = %dx%d (%d)", c.Width(), c.Height(), c.Len())
	}
	for y := uint32(0); y < 3; y++ {
		for x := uint32(0); x < 7; x++ {
			if c.Get(x, y) != 0 {
				t.Fatalf("pixel (%d,%d) not zero", x, y)
			}
		}
	}
	if c.DirtyCount() != 0 {
		t.Errorf("DirtyCount() = %d, want 0", c.DirtyCount())
	}
}

func TestSetMarksDirty(t *testing.T) {
	c := New(100, 100)
	c.Set(99, 99, RGB(1, 2, 3))
	c.Set(0, 0, RGB(4, 5, 6))
	c.Set(0, 0, RGB(7, 8, 9))

	if got := c.Get(0, 0); got != RGB(7, 8, 9) {
		t.Errorf("Get(0,0) = %v", got)
	}
	if !c.IsDirty(99, 99) || !c.IsDirty(0, 0) || c.IsDirty(1, 0) {
		t.Error("dirty bits do not match writes")
	}
	if c.DirtyCount() != 2 {
		t.Errorf("DirtyCount() = %d, want 2", c.DirtyCount())
	}
	c.ClearDirty()
	if c.DirtyCount() != 0 || c.Get(99, 99) != RGB(1, 2, 3) {
		t.Error("ClearDirty must keep pixel values and drop every bit")
	}
}

func TestBoundsCheck(t *testing.T) {
	c := New(10, 5)
	if !c.BoundsCheck(9, 4) {
		t.Error("(9,4) should be inside 10x5")
	}
	if c.BoundsCheck(10, 0) || c.BoundsCheck(0, 5) || c.BoundsCheck(99999, 99999) {
		t.Error("out-of-range coordinate accepted")
	}
}

func TestGetOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(4, 4).Get(4, 0)
}

func TestMergeFromCopiesOnlyDirty(t *testing.T) {
	dst := New(70, 2)
	src := New(70, 2)

	dst.Set(1, 0, RGB(9, 9, 9))
	dst.Set(2, 0, RGB(8, 8, 8))
	dst.ClearDirty()
	dst.Set(69, 1, RGB(7, 7, 7)) // dst's own dirty bit must survive

	src.Set(1, 0, RGB(1, 1, 1))
	src.Set(65, 1, RGB(2, 2, 2)) // second bitset word

	if n := dst.MergeFrom(src, nil); n != 2 {
		t.Errorf("merged = %d, want 2", n)
	}
	if dst.Get(1, 0) != RGB(1, 1, 1) || dst.Get(65, 1) != RGB(2, 2, 2) {
		t.Error("dirty source pixels not merged")
	}
	if dst.Get(2, 0) != RGB(8, 8, 8) {
		t.Error("clean source pixel overwrote destination")
	}
	if src.DirtyCount() != 0 {
		t.Errorf("source still has %d dirty bits", src.DirtyCount())
	}
	if !dst.IsDirty(69, 1) || dst.IsDirty(1, 0) {
		t.Error("destination dirty bits changed by merge")
	}

	// A second merge with no new writes is a no-op.
	if n := dst.MergeFrom(src, nil); n != 0 {
		t.Errorf("second merge = %d, want 0", n)
	}
}

func TestMergeFromBlend(t *testing.T) {
	dst := New(2, 1)
	src := New(2, 1)
	dst.Set(0, 0, RGB(1, 1, 1))
	src.Set(0, 0, RGB(2, 2, 2))
	src.Set(1, 0, RGB(3, 3, 3))

	dst.MergeFrom(src, KeepExisting)
	if dst.Get(0, 0) != RGB(1, 1, 1) {
		t.Error("KeepExisting replaced a painted pixel")
	}
	if dst.Get(1, 0) != RGB(3, 3, 3) {
		t.Error("KeepExisting did not fill a blank pixel")
	}
}

func TestMergeFromGeometryMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(4, 4).MergeFrom(New(4, 5), nil)
}

func TestCopyFrom(t *testing.T) {
	dst := New(3, 3)
	src := New(3, 3)
	src.Set(2, 2, RGB(5, 5, 5))
	dst.CopyFrom(src)
	if dst.Get(2, 2) != RGB(5, 5, 5) {
		t.Error("pixel not copied")
	}
	if dst.DirtyCount() != 0 || src.DirtyCount() != 1 {
		t.Error("CopyFrom touched dirty bits")
	}
}

func TestParseBlendMode(t *testing.T) {
	for _, name := range []string{"", "overwrite", "keep"} {
		if _, err := ParseBlendMode(name); err != nil {
			t.Errorf("ParseBlendMode(%q): %v", name, err)
		}
	}
	if _, err := ParseBlendMode("alpha"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestScanout(t *testing.T) {
	c := New(2, 2)
	c.Set(1, 0, RGBA(0xAA, 0xBB, 0xCC, 0xDD))
	c.Set(0, 1, RGB(1, 2, 3))

	if c.ScanoutSize() != 16 {
		t.Fatalf("ScanoutSize() = %d", c.ScanoutSize())
	}
	buf := make([]byte, c.ScanoutSize())
	if n := c.Scanout(buf); n != 16 {
		t.Fatalf("Scanout() = %d", n)
	}
	want := []byte{
		0, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD,
		1, 2, 3, 0xFF, 0, 0, 0, 0,
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("Scanout = % x\nwant      % x", buf, want)
	}
}

func TestScanoutShortBufferPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(2, 2).Scanout(make([]byte, 15))
}

func TestImageView(t *testing.T) {
	c := New(3, 2)
	c.Set(2, 1, RGBA(10, 20, 30, 0))

	if b := c.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("Bounds() = %v", b)
	}
	if got := c.At(2, 1); got != (color.RGBA{10, 20, 30, 0xFF}) {
		t.Errorf("At(2,1) = %v", got)
	}
	if got := c.At(-1, 0); got != (color.RGBA{}) {
		t.Errorf("At(-1,0) = %v", got)
	}

	img := c.ToRGBA()
	if got := img.RGBAAt(2, 1); got != (color.RGBA{10, 20, 30, 0xFF}) {
		t.Errorf("ToRGBA().RGBAAt(2,1) = %v", got)
	}
	if got := img.RGBAAt(0, 0); got.A != 0xFF {
		t.Errorf("blank pixel alpha = %d, want opaque", got.A)
	}
}
