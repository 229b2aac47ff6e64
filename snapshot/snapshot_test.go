package snapshot

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
)

func newFrame(w, h, stride uint32, format frame.PixelFormat, data []byte) *frame.Frame {
	f := &frame.Frame{Width: w, Height: h, Stride: stride, Format: format}
	f.Len = uint32(copy(f.Data[:], data))
	return f
}

func TestWrapPlanar(t *testing.T) {
	// 2x2 image, stride 4: Y rows [10,20,_,_] [30,40,_,_], U [50,_], V [60,_].
	f := newFrame(2, 2, 4, frame.FormatYUV420, []byte{10, 20, 0, 0, 30, 40, 0, 0, 50, 0, 60, 0})
	released := 0
	img, err := Wrap(f, func() { released++ })
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 2, 2) {
		t.Errorf("Bounds = %v", img.Bounds())
	}
	want := []color.YCbCr{{10, 50, 60}, {20, 50, 60}, {30, 50, 60}, {40, 50, 60}}
	for i, c := range want {
		if got := img.At(i%2, i/2); got != c {
			t.Errorf("At(%d,%d) = %v, want %v", i%2, i/2, got, c)
		}
	}
	img.Release()
	img.Release()
	if released != 1 {
		t.Errorf("release called %d times", released)
	}
}

func TestWrapSemiPlanar(t *testing.T) {
	data := []byte{10, 20, 0, 0, 30, 40, 0, 0, 50, 60, 0, 0}
	for _, tt := range []struct {
		format frame.PixelFormat
		cb, cr uint8
	}{
		{frame.FormatNV12, 50, 60},
		{frame.FormatNV21, 60, 50},
	} {
		img, err := Wrap(newFrame(2, 2, 4, tt.format, data), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := img.At(1, 1), (color.YCbCr{40, tt.cb, tt.cr}); got != want {
			t.Errorf("%v: At(1,1) = %v, want %v", tt.format, got, want)
		}
		if got := img.At(5, 5); got != (color.YCbCr{}) {
			t.Errorf("%v: out of bounds At = %v", tt.format, got)
		}
		img.Release()
	}
}

func TestWrapErrors(t *testing.T) {
	released := 0
	rel := func() { released++ }
	if _, err := Wrap(newFrame(2, 2, 2, frame.FormatUnknown, make([]byte, 6)), rel); err == nil {
		t.Error("unknown format wrapped")
	}
	if _, err := Wrap(newFrame(4, 4, 4, frame.FormatNV12, make([]byte, 6)), rel); err == nil {
		t.Error("short NV12 frame wrapped")
	}
	if _, err := Wrap(newFrame(4, 4, 4, frame.FormatYUV420, make([]byte, 23)), rel); err == nil {
		t.Error("short YU12 frame wrapped")
	}
	if released != 3 {
		t.Errorf("release called %d times, want 3", released)
	}
}

func TestEncoderFor(t *testing.T) {
	for name, ct := range map[string]string{
		"/snapshot.jpg":   "image/jpeg",
		"frame.JPEG":      "image/jpeg",
		"/snapshot.png":   "image/png",
		"/x/snapshot.gif": "image/gif",
	} {
		e, err := EncoderFor(name)
		if err != nil || e.ContentType != ct {
			t.Errorf("EncoderFor(%q) = %q, %v", name, e.ContentType, err)
		}
	}
	if _, err := EncoderFor("frame.bmp"); err == nil {
		t.Error("bmp accepted")
	}
}

type ring struct {
	svc  *shm.Service
	port *shm.Publisher
	seq  uint64
}

func newRing(t *testing.T) *ring {
	t.Helper()
	svc, err := shm.OpenOrCreate("camera/frames", shm.WithDir(t.TempDir()), shm.WithSlots(4))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	port, err := svc.Publisher()
	if err != nil {
		t.Fatal(err)
	}
	return &ring{svc: svc, port: port}
}

func (r *ring) publish(t *testing.T, luma byte) {
	t.Helper()
	m, err := r.port.Loan()
	if err != nil {
		t.Fatal(err)
	}
	f := m.Payload()
	f.Width, f.Height, f.Stride, f.Format = 4, 2, 4, frame.FormatNV12
	f.Sequence = r.seq
	r.seq++
	f.Len = uint32(copy(f.Data[:], []byte{luma, luma, luma, luma, luma, luma, luma, luma, 128, 128, 128, 128}))
	if err := m.Send(); err != nil {
		t.Fatal(err)
	}
}

func TestSnapNewest(t *testing.T) {
	r := newRing(t)
	s, err := NewSnapper(r.svc)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, v := range []byte{16, 100, 200} {
		r.publish(t, v)
	}
	img, err := s.Snap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c := img.At(0, 0).(color.YCbCr); c.Y != 200 {
		t.Errorf("got luma %d, want the newest frame", c.Y)
	}
	img.Release()

	// Every slot is free again.
	for i := 0; i < 4; i++ {
		r.publish(t, byte(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Snap(ctx); err != nil {
		t.Fatalf("pending frames not returned: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := s.Snap(ctx2); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snap with nothing published = %v", err)
	}
}

func TestHandler(t *testing.T) {
	r := newRing(t)
	s, err := NewSnapper(r.svc)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	h := Handler(s, 50*time.Millisecond, zerolog.Nop())

	r.publish(t, 128)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.png", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("GET /snapshot.png: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Errorf("decoded bounds %v", img.Bounds())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no frame pending: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot.bmp", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("bmp: %d", rec.Code)
	}
}
