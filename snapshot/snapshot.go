// Package snapshot grabs still images from the published frame stream and
// serves them over HTTP.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamlouis/splitter/shm"
)

const defaultPoll = 5 * time.Millisecond

// ErrNoFrame is returned when no frame arrives before the context is done.
var ErrNoFrame = errors.New("snapshot: no frame received")

// Snapper takes stills from its own subscriber port.
type Snapper struct {
	mu   sync.Mutex
	sub  *shm.Subscriber
	Poll time.Duration
}

// NewSnapper opens a subscriber on svc.
func NewSnapper(svc *shm.Service) (*Snapper, error) {
	sub, err := svc.Subscriber()
	if err != nil {
		return nil, err
	}
	return &Snapper{sub: sub, Poll: defaultPoll}, nil
}

// Snap returns the newest pending frame, waiting for one if none is
// pending. The frame's slot stays held until the image is released.
func (s *Snapper) Snap(ctx context.Context) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *shm.Sample
	for {
		smp, err := s.sub.Receive()
		if err != nil {
			if latest != nil {
				latest.Release()
			}
			return nil, err
		}
		if smp != nil {
			if latest != nil {
				latest.Release()
			}
			latest = smp
			continue
		}
		if latest != nil {
			return Wrap(latest.Payload(), latest.Release)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoFrame, ctx.Err())
		case <-time.After(s.Poll):
		}
	}
}

// Close closes the subscriber port.
func (s *Snapper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub.Close()
}

// An Encoder writes an image in one file format.
type Encoder struct {
	ContentType string
	Encode      func(w io.Writer, img image.Image) error
}

// Encoders maps file extensions to image encoders.
var Encoders = map[string]Encoder{
	".jpg":  {"image/jpeg", encodeJPEG},
	".jpeg": {"image/jpeg", encodeJPEG},
	".png":  {"image/png", png.Encode},
	".gif":  {"image/gif", func(w io.Writer, img image.Image) error { return gif.Encode(w, img, nil) }},
}

func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

// EncoderFor returns the encoder for the extension of name.
func EncoderFor(name string) (Encoder, error) {
	ext := strings.ToLower(path.Ext(name))
	e, ok := Encoders[ext]
	if !ok {
		return Encoder{}, fmt.Errorf("snapshot: unsupported image type %q", ext)
	}
	return e, nil
}

// Handler serves the newest frame, encoded according to the extension of
// the request path. A request waits at most timeout for a frame.
func Handler(s *Snapper, timeout time.Duration, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc, err := EncoderFor(r.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		img, err := s.Snap(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", r.URL.String()).Msg("Snapshot failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer img.Release()
		w.Header().Set("Content-Type", enc.ContentType)
		w.Header().Set("Cache-Control", "no-store")
		if err := enc.Encode(w, img); err != nil {
			log.Warn().Err(err).Msg("Error writing image")
		}
	})
}
