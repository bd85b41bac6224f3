package canvas

import "fmt"

// BlendFunc combines the current destination pixel with an incoming source
// pixel during MergeFrom.
//
// Alpha compositing is intentionally not implemented here; callers that want
// it supply their own BlendFunc.
type BlendFunc func(dst, src Pixel) Pixel

// Overwrite discards the destination. This is the default merge policy.
func Overwrite(_, src Pixel) Pixel {
	return src
}

// KeepExisting keeps any destination pixel that has already been painted and
// only fills blank (zero) pixels.
func KeepExisting(dst, src Pixel) Pixel {
	if dst != 0 {
		return dst
	}
	return src
}

// Blend mode names accepted by ParseBlendMode.
const (
	BlendModeOverwrite = "overwrite"
	BlendModeKeep      = "keep"
)

// ParseBlendMode resolves a configured blend mode name.
func ParseBlendMode(name string) (BlendFunc, error) {
	switch name {
	case "", BlendModeOverwrite:
		return Overwrite, nil
	case BlendModeKeep:
		return KeepExisting, nil
	default:
		return nil, fmt.Errorf("unknown blend mode %q", name)
	}
}
