package canvas

// Pixel is an RGBA color packed into one word as 0xRRGGBBAA.
// The packing is defined arithmetically, so it does not depend on host byte order.
type Pixel uint32

// RGBA packs four channels into a Pixel.
func RGBA(r, g, b, a uint8) Pixel {
	return Pixel(uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8 | uint32(a))
}

// RGB packs an opaque color.
func RGB(r, g, b uint8) Pixel {
	return RGBA(r, g, b, 0xFF)
}

func (p Pixel) R() uint8 { return uint8(p >> 24) }
func (p Pixel) G() uint8 { return uint8(p >> 16) }
func (p Pixel) B() uint8 { return uint8(p >> 8) }
func (p Pixel) A() uint8 { return uint8(p) }

// Channels unpacks the pixel.
func (p Pixel) Channels() (r, g, b, a uint8) {
	return p.R(), p.G(), p.B(), p.A()
}

// hexValue maps an ASCII byte to its nibble value, or -1.
var hexValue = func() (t [256]int8) {
	for i := range t {
		t[i] = -1
	}
	for c := '0'; c <= '9'; c++ {
		t[c] = int8(c - '0')
	}
	for c := 'a'; c <= 'f'; c++ {
		t[c] = int8(c - 'a' + 10)
		t[c-'a'+'A'] = int8(c - 'a' + 10)
	}
	return t
}()

func hex1(c byte) (uint8, bool) {
	v := hexValue[c]
	return uint8(v), v >= 0
}

func hex2(hi, lo byte) (uint8, bool) {
	h, ok1 := hex1(hi)
	l, ok2 := hex1(lo)
	return h<<4 | l, ok1 && ok2
}

// DecodeHexColor parses RGB, RRGGBB or RRGGBBAA (case-insensitive).
//
// The 3-digit form takes each digit as the literal channel value, so "F00"
// is R=0x0F, not 0xFF. Forms without an alpha digit pair are opaque.
// Any other length or any non-hex byte fails.
func DecodeHexColor(s []byte) (Pixel, bool) {
	switch len(s) {
	case 3:
		r, ok1 := hex1(s[0])
		g, ok2 := hex1(s[1])
		b, ok3 := hex1(s[2])
		if !(ok1 && ok2 && ok3) {
			return 0, false
		}
		return RGB(r, g, b), true
	case 6, 8:
		r, ok1 := hex2(s[0], s[1])
		g, ok2 := hex2(s[2], s[3])
		b, ok3 := hex2(s[4], s[5])
		if !(ok1 && ok2 && ok3) {
			return 0, false
		}
		if len(s) == 6 {
			return RGB(r, g, b), true
		}
		a, ok := hex2(s[6], s[7])
		if !ok {
			return 0, false
		}
		return RGBA(r, g, b, a), true
	default:
		return 0, false
	}
}

const hexDigits = "0123456789abcdef"

// AppendHex appends the 8-digit lowercase hex form of p.
func (p Pixel) AppendHex(dst []byte) []byte {
	for shift := 28; shift >= 0; shift -= 4 {
		dst = append(dst, hexDigits[(p>>uint(shift))&0xF])
	}
	return dst
}

func (p Pixel) String() string {
	return string(p.AppendHex(make([]byte, 0, 8)))
}
