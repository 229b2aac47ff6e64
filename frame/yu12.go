package frame

// Register this strategy for this format.
func init() {
	RegisterStrategy(FormatYUV420, Strategy{
		EncoderFormat: "yuv420p",
		Planes:        planesYU12,
	})
}

// Planar 4:2:0: a full-size Y plane followed by quarter-size U and V planes
// whose rows are half the Y stride.
func planesYU12(w, h, stride int) []Plane {
	return []Plane{
		{SrcRow: stride, DstRow: w, Rows: h},
		{SrcRow: stride / 2, DstRow: w / 2, Rows: h / 2},
		{SrcRow: stride / 2, DstRow: w / 2, Rows: h / 2},
	}
}
