package frame

// DepadSize is the size of a depadded 4:2:0 image.
func DepadSize(width, height int) int {
	return width * height * 3 / 2
}

// PlanesSize is the number of source bytes the planes span, padding included.
func PlanesSize(planes []Plane) int {
	n := 0
	for _, p := range planes {
		n += p.SrcRow * p.Rows
	}
	return n
}

// Depad appends the visible part of every row of every plane in src to
// dst[:0] and returns the result. Each plane starts in src where the previous
// one ended. Rows that src is too short to hold are zero-filled, so the
// output length depends only on the plane layout.
func Depad(dst, src []byte, planes []Plane) []byte {
	dst = dst[:0]
	off := 0
	for _, p := range planes {
		for r := 0; r < p.Rows; r++ {
			start := off + r*p.SrcRow
			end := start + p.DstRow
			switch {
			case end <= len(src):
				dst = append(dst, src[start:end]...)
			case start < len(src):
				dst = append(dst, src[start:]...)
				dst = appendZero(dst, end-len(src))
			default:
				dst = appendZero(dst, p.DstRow)
			}
		}
		off += p.SrcRow * p.Rows
	}
	return dst
}

func appendZero(dst []byte, n int) []byte {
	for ; n > 0; n-- {
		dst = append(dst, 0)
	}
	return dst
}

// DepadFrame depads the payload of f using the strategy for its format.
func DepadFrame(dst []byte, f *Frame) []byte {
	s, _ := Dispatch(f.Format)
	return Depad(dst, f.Payload(), s.Planes(int(f.Width), int(f.Height), int(f.Stride)))
}
