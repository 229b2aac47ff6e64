package frame

// Register strategies for these formats. NV21 differs from NV12 only in
// chroma order, which the depadder does not look at.
func init() {
	RegisterStrategy(FormatNV12, Strategy{EncoderFormat: "nv12", Planes: planesNV12})
	RegisterStrategy(FormatNV21, Strategy{EncoderFormat: "nv12", Planes: planesNV12})
}

// Semi-planar 4:2:0: a full-size Y plane followed by one interleaved chroma
// plane with the same stride and half the rows.
func planesNV12(w, h, stride int) []Plane {
	return []Plane{
		{SrcRow: stride, DstRow: w, Rows: h},
		{SrcRow: stride, DstRow: w, Rows: h / 2},
	}
}
