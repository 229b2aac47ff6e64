package frame

import (
	"fmt"
)

// PixelFormat identifies the layout of the planes in Frame.Data. Values are
// FourCC codes packed little-endian, the same packing V4L2 uses, so a format
// reads as its four characters when the record is viewed as bytes.
type PixelFormat uint32

const (
	// FormatUnknown is any format this package has no name for.
	FormatUnknown PixelFormat = 0

	// FormatYUV420 is planar 4:2:0: Y plane, then U, then V ("YU12", I420).
	FormatYUV420 PixelFormat = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24

	// FormatNV12 is semi-planar 4:2:0: Y plane, then interleaved UV.
	FormatNV12 PixelFormat = 'N' | 'V'<<8 | '1'<<16 | '2'<<24

	// FormatNV21 is semi-planar 4:2:0: Y plane, then interleaved VU.
	FormatNV21 PixelFormat = 'N' | 'V'<<8 | '2'<<16 | '1'<<24
)

// FormatFromFourCC maps a raw FourCC code to a known PixelFormat, or
// FormatUnknown.
func FormatFromFourCC(code uint32) PixelFormat {
	switch f := PixelFormat(code); f {
	case FormatYUV420, FormatNV12, FormatNV21:
		return f
	default:
		return FormatUnknown
	}
}

// ParseFourCC converts a four character string such as "NV12" to a
// PixelFormat. Well-formed codes with no known layout map to FormatUnknown.
func ParseFourCC(s string) (PixelFormat, error) {
	if len(s) != 4 {
		return FormatUnknown, fmt.Errorf("frame: %q: illegal FourCC", s)
	}
	return FormatFromFourCC(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24), nil
}

// FourCC returns the four character code, or "????" for FormatUnknown.
func (f PixelFormat) FourCC() string {
	if f == FormatUnknown {
		return "????"
	}
	return FourCCString(uint32(f))
}

// FourCCString renders any packed FourCC code as text.
func FourCCString(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	for i, c := range b {
		if c < ' ' || c > '~' {
			b[i] = '.'
		}
	}
	return string(b)
}

// Is420 reports whether the format is one of the 4:2:0 layouts.
func (f PixelFormat) Is420() bool {
	switch f {
	case FormatYUV420, FormatNV12, FormatNV21:
		return true
	}
	return false
}

func (f PixelFormat) String() string {
	switch f {
	case FormatYUV420:
		return "YUV420"
	case FormatNV12:
		return "NV12"
	case FormatNV21:
		return "NV21"
	default:
		return "Unknown"
	}
}
