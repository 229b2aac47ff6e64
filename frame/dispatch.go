package frame

// A Plane describes how one pixel plane is laid out in a padded buffer and
// how much of each row survives depadding.
type Plane struct {
	// SrcRow is the number of bytes per row in the source, padding included.
	SrcRow int
	// DstRow is the number of bytes per row kept in the output.
	DstRow int
	// Rows is the number of rows in the plane.
	Rows int
}

// A Strategy knows how to depad one pixel format and which pixel format
// name the encoder should be told about.
type Strategy struct {
	// EncoderFormat is the raw-video pixel format tag, e.g. "yuv420p".
	EncoderFormat string
	// Planes returns the plane layout for an image of the given geometry.
	Planes func(width, height, stride int) []Plane
}

var strategies = map[PixelFormat]Strategy{}

// fallback is used for formats with no registered strategy.
var fallback = FormatNV12

// RegisterStrategy registers the depad strategy for a format.
// Note that only one strategy can be registered for any single format.
func RegisterStrategy(format PixelFormat, s Strategy) {
	strategies[format] = s
}

// Dispatch returns the strategy for a format. When the format has no
// strategy of its own, the NV12 strategy is returned and ok is false.
func Dispatch(format PixelFormat) (s Strategy, ok bool) {
	if s, ok := strategies[format]; ok {
		return s, true
	}
	return strategies[fallback], false
}
