package snapshot

import (
	"fmt"
	"image"
	"image/color"

	"github.com/adamlouis/splitter/frame"
)

// Image is a frame viewed as an image. Release is called when the image is
// no longer in use; the pixels may be shared memory that is recycled after
// Release.
type Image interface {
	image.Image
	Release()
}

type framer func(f *frame.Frame, release func()) (Image, error)

var framers = map[frame.PixelFormat]framer{}

// RegisterFramer registers the image wrapper for a format.
// Note that only one framer can be registered for any single format.
func RegisterFramer(format frame.PixelFormat, fn func(f *frame.Frame, release func()) (Image, error)) {
	framers[format] = fn
}

// Wrap returns f as an image without copying its pixels. On error release
// is called before returning.
func Wrap(f *frame.Frame, release func()) (Image, error) {
	fn, ok := framers[f.Format]
	if !ok {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("snapshot: no framer for format %s", f.Format)
	}
	return fn(f, release)
}

func init() {
	RegisterFramer(frame.FormatYUV420, newPlanar)
	RegisterFramer(frame.FormatNV12, newSemiPlanar)
	RegisterFramer(frame.FormatNV21, newSemiPlanar)
}

// checkLen makes sure the payload holds every plane of f.
func checkLen(f *frame.Frame) error {
	s, _ := frame.Dispatch(f.Format)
	want := frame.PlanesSize(s.Planes(int(f.Width), int(f.Height), int(f.Stride)))
	if int(f.Len) < want || f.Len > frame.MaxFrameSize {
		return fmt.Errorf("snapshot: wrong frame length (exp: %d, read %d)", want, f.Len)
	}
	return nil
}

// planar is a YU12 frame. The Y, Cb and Cr planes map directly onto the
// frame data.
type planar struct {
	*image.YCbCr
	release func()
}

func newPlanar(f *frame.Frame, release func()) (Image, error) {
	if err := checkLen(f); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	w, h, stride := int(f.Width), int(f.Height), int(f.Stride)
	ySize := stride * h
	cSize := (stride / 2) * (h / 2)
	data := f.Data[:]
	return &planar{
		YCbCr: &image.YCbCr{
			Y:              data[:ySize:ySize],
			Cb:             data[ySize : ySize+cSize : ySize+cSize],
			Cr:             data[ySize+cSize : ySize+2*cSize : ySize+2*cSize],
			YStride:        stride,
			CStride:        stride / 2,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, w, h),
		},
		release: release,
	}, nil
}

func (p *planar) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// semiPlanar is an NV12 or NV21 frame: a Y plane followed by interleaved
// chroma at the same stride.
type semiPlanar struct {
	y, c    []byte
	stride  int
	b       image.Rectangle
	vu      bool
	release func()
}

func newSemiPlanar(f *frame.Frame, release func()) (Image, error) {
	if err := checkLen(f); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	w, h, stride := int(f.Width), int(f.Height), int(f.Stride)
	ySize := stride * h
	return &semiPlanar{
		y:       f.Data[:ySize],
		c:       f.Data[ySize : ySize+stride*(h/2)],
		stride:  stride,
		b:       image.Rect(0, 0, w, h),
		vu:      f.Format == frame.FormatNV21,
		release: release,
	}, nil
}

func (s *semiPlanar) ColorModel() color.Model {
	return color.YCbCrModel
}

func (s *semiPlanar) Bounds() image.Rectangle {
	return s.b
}

func (s *semiPlanar) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(s.b)) {
		return color.YCbCr{}
	}
	ci := (y/2)*s.stride + x&^1
	cb, cr := s.c[ci], s.c[ci+1]
	if s.vu {
		cb, cr = cr, cb
	}
	return color.YCbCr{s.y[y*s.stride+x], cb, cr}
}

func (s *semiPlanar) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}
