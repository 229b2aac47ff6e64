package v4l2

import "fmt"

// Struct that describes frame size supported by a device
// For fixed sizes min and max values will be the same and
// step value will be equal to '0'
type FrameSize struct {
	MinWidth  uint32
	MaxWidth  uint32
	StepWidth uint32

	MinHeight  uint32
	MaxHeight  uint32
	StepHeight uint32
}

func (s FrameSize) String() string {
	if s.StepWidth == 0 && s.StepHeight == 0 {
		return fmt.Sprintf("%dx%d", s.MaxWidth, s.MaxHeight)
	} else {
		return fmt.Sprintf("[%d-%d;%d]x[%d-%d;%d]", s.MinWidth, s.MaxWidth, s.StepWidth, s.MinHeight, s.MaxHeight, s.StepHeight)
	}
}

// Contains reports whether width x height is one of the sizes described.
func (s FrameSize) Contains(width, height uint32) bool {
	if width < s.MinWidth || width > s.MaxWidth || height < s.MinHeight || height > s.MaxHeight {
		return false
	}
	if s.StepWidth > 1 && (width-s.MinWidth)%s.StepWidth != 0 {
		return false
	}
	if s.StepHeight > 1 && (height-s.MinHeight)%s.StepHeight != 0 {
		return false
	}
	return true
}

// PixFormat is a single-planar capture format as negotiated with the driver.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	BytesPerLine uint32
	SizeImage    uint32
}

func (f PixFormat) String() string {
	return fmt.Sprintf("%dx%d stride %d fourcc %#08x", f.Width, f.Height, f.BytesPerLine, f.PixelFormat)
}

// Buffer describes one dequeued capture buffer.
type Buffer struct {
	Index     uint32
	BytesUsed uint32
	Sequence  uint32
	// TimestampNs is the driver timestamp, normally CLOCK_MONOTONIC.
	TimestampNs uint64
}
