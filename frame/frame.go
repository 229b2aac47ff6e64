// Package frame defines the fixed-layout frame record shared between the
// capture publisher and its subscribers, together with the pixel-format
// dispatch used to strip stride padding from the record's planes.
//
// A Frame contains no pointers and no variable-length regions, so it can be
// placed directly in a shared-memory slot and read in place by any process
// built against the same layout.
package frame

import (
	"errors"
	"fmt"
	"unsafe"
)

// MaxFrameSize is the capacity of Frame.Data: one 1080p 4:2:0 image.
const MaxFrameSize = 1920 * 1080 * 3 / 2

var (
	// ErrTooLarge is returned when Len exceeds MaxFrameSize.
	ErrTooLarge = errors.New("frame: length exceeds maximum frame size")

	// ErrStride is returned when the stride is narrower than the image.
	ErrStride = errors.New("frame: stride smaller than width")

	// ErrOddDimensions is returned when a 4:2:0 image has an odd width or height.
	ErrOddDimensions = errors.New("frame: 4:2:0 dimensions must be even")
)

// Frame is one captured image plus its metadata. The field order and sizes
// are an ABI: consumers map the record straight out of shared memory.
type Frame struct {
	// TimestampNs is the capture time in nanoseconds on the camera's
	// monotonic clock.
	TimestampNs uint64
	// Sequence increases by one for every capture the publisher handled,
	// including captures it had to drop.
	Sequence uint64
	Width    uint32
	Height   uint32
	// Stride is the number of bytes per row in the Y plane.
	Stride uint32
	Format PixelFormat
	// Len is the number of valid bytes in Data.
	Len  uint32
	Data [MaxFrameSize]byte
}

const (
	// HeaderSize is the size of the metadata prefix in front of Data. The
	// seven header fields take 36 bytes, so Data starts at offset 36, not
	// 32: consumers that assert a 32-byte prefix must use this value.
	HeaderSize = int(unsafe.Offsetof(Frame{}.Data))

	// Size is the size of a whole record, including trailing alignment.
	Size = int(unsafe.Sizeof(Frame{}))
)

// Payload returns the valid bytes of the record.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxFrameSize {
		n = MaxFrameSize
	}
	return f.Data[:n]
}

// Validate checks the record invariants.
func (f *Frame) Validate() error {
	if f.Len > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, f.Len, MaxFrameSize)
	}
	return CheckGeometry(f.Width, f.Height, f.Stride, f.Format)
}

// CheckGeometry reports whether an image of the given geometry can be
// described by a Frame.
func CheckGeometry(width, height, stride uint32, format PixelFormat) error {
	if stride < width {
		return fmt.Errorf("%w: stride %d, width %d", ErrStride, stride, width)
	}
	if format.Is420() && (width%2 != 0 || height%2 != 0) {
		return fmt.Errorf("%w: %dx%d", ErrOddDimensions, width, height)
	}
	return nil
}

// Geometry returns the frame dimensions as "WxH".
func (f *Frame) Geometry() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
