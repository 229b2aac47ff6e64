// Package subscriber reads frames from the shared-memory service and feeds
// them to an encoder, stripping stride padding when the camera pads rows.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamlouis/splitter/encoder"
	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
)

var (
	// ErrEncoderPipeClosed means the encoder stopped reading. Run treats it
	// as the end of the stream.
	ErrEncoderPipeClosed = errors.New("subscriber: encoder pipe closed")

	// ErrReceive is returned when the transport fails.
	ErrReceive = errors.New("subscriber: receive failed")

	// ErrEncoderStart is returned when the encoder cannot be spawned.
	ErrEncoderStart = errors.New("subscriber: encoder start failed")
)

// Config holds the streamer timings.
type Config struct {
	// FirstFramePoll is the sleep between polls while waiting for the first
	// frame.
	FirstFramePoll time.Duration
	// IdlePoll is the sleep after a poll that found nothing.
	IdlePoll time.Duration
	// ProgressEvery logs progress every this many streamed frames.
	ProgressEvery uint64
}

// DefaultConfig returns the 10 ms first-frame and 1 ms idle polling
// defaults.
func DefaultConfig() Config {
	return Config{
		FirstFramePoll: 10 * time.Millisecond,
		IdlePoll:       time.Millisecond,
		ProgressEvery:  100,
	}
}

// Stats counts what the streamer did.
type Stats struct {
	Received uint64 `json:"received"`
	Streamed uint64 `json:"streamed"`
	// Gaps counts discontinuities in the frame sequence; Lost is the total
	// number of sequence numbers skipped.
	Gaps     uint64 `json:"gaps"`
	Lost     uint64 `json:"lost"`
	Overruns uint64 `json:"overruns"`
	Resets   uint64 `json:"resets"`

	Width         uint32 `json:"width"`
	Height        uint32 `json:"height"`
	Stride        uint32 `json:"stride"`
	Format        string `json:"format"`
	EncoderFormat string `json:"encoder_format"`
	Depad         bool   `json:"depad"`
}

// Streamer pipes frames from one subscriber port to one encoder.
type Streamer struct {
	cfg     Config
	svc     *shm.Service
	spawner encoder.Spawner
	log     zerolog.Logger

	sub     *shm.Subscriber
	proc    encoder.Process
	planes  []frame.Plane
	depad   bool
	scratch []byte
	lastSeq uint64
	haveSeq bool

	// Statistics (atomic, read by Stats from any goroutine)
	received uint64
	streamed uint64
	gaps     uint64
	lost     uint64
	overruns uint64
	resets   uint64
	geometry atomic.Pointer[Stats]
}

// New returns a streamer reading svc, which must have been opened with
// shm.Open, and writing to encoders started by spawner.
func New(cfg Config, svc *shm.Service, spawner encoder.Spawner, log zerolog.Logger) *Streamer {
	if cfg.ProgressEvery == 0 {
		cfg.ProgressEvery = 100
	}
	if cfg.FirstFramePoll <= 0 {
		cfg.FirstFramePoll = 10 * time.Millisecond
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = time.Millisecond
	}
	return &Streamer{
		cfg:     cfg,
		svc:     svc,
		spawner: spawner,
		log:     log.With().Str("component", "streamer").Logger(),
	}
}

// Run waits for the first frame, starts the encoder with that frame's
// geometry and streams until ctx is cancelled or the encoder goes away.
// Both of those end the stream cleanly and return nil.
func (s *Streamer) Run(ctx context.Context) error {
	sub, err := s.svc.Subscriber()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReceive, err)
	}
	s.sub = sub
	defer sub.Close()
	s.log.Info().
		Str("service", s.svc.Name()).
		Bool("publisher_alive", s.svc.PublisherAlive()).
		Msg("Subscribed")

	s.log.Info().Msg("Waiting for first frame")
	first, err := s.waitFirst(ctx)
	if err != nil || first == nil {
		return err
	}

	if err := s.start(first.Payload()); err != nil {
		first.Release()
		return err
	}
	defer s.closeEncoder()

	err = s.write(first)
	first.Release()
	if err != nil {
		return s.endOfStream(err)
	}

	for {
		if ctx.Err() != nil {
			s.log.Info().Msg("Stopping")
			return nil
		}
		smp, err := s.receive()
		if err != nil {
			return err
		}
		if smp == nil {
			time.Sleep(s.cfg.IdlePoll)
			continue
		}
		err = s.write(smp)
		smp.Release()
		if err != nil {
			return s.endOfStream(err)
		}
	}
}

func (s *Streamer) waitFirst(ctx context.Context) (*shm.Sample, error) {
	for {
		smp, err := s.receive()
		if err != nil || smp != nil {
			return smp, err
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(s.cfg.FirstFramePoll):
		}
	}
}

func (s *Streamer) receive() (*shm.Sample, error) {
	smp, err := s.sub.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	atomic.StoreUint64(&s.overruns, s.sub.Overruns())
	if smp == nil {
		return nil, nil
	}
	atomic.AddUint64(&s.received, 1)
	s.track(smp.Payload().Sequence)
	return smp, nil
}

// track counts gaps in the publisher's sequence.
func (s *Streamer) track(seq uint64) {
	defer func() { s.lastSeq, s.haveSeq = seq, true }()
	if !s.haveSeq {
		return
	}
	switch want := s.lastSeq + 1; {
	case seq == want:
	case seq > want:
		atomic.AddUint64(&s.gaps, 1)
		atomic.AddUint64(&s.lost, seq-want)
		s.log.Debug().Uint64("seq", seq).Uint64("lost", seq-want).Msg("Sequence gap")
	default:
		atomic.AddUint64(&s.resets, 1)
		s.log.Info().Uint64("seq", seq).Uint64("last", s.lastSeq).Msg("Sequence restarted")
	}
}

// start picks the depad strategy for f and spawns the encoder.
func (s *Streamer) start(f *frame.Frame) error {
	w, h, stride := int(f.Width), int(f.Height), int(f.Stride)
	s.log.Info().
		Uint32("width", f.Width).
		Uint32("height", f.Height).
		Uint32("stride", f.Stride).
		Stringer("format", f.Format).
		Msg("Got first frame")

	strategy, ok := frame.Dispatch(f.Format)
	if !ok || f.Format == frame.FormatUnknown {
		s.log.Warn().
			Stringer("format", f.Format).
			Str("encoder_format", strategy.EncoderFormat).
			Msg("No strategy for pixel format, assuming NV12")
	}
	s.planes = strategy.Planes(w, h, stride)
	s.depad = f.Stride != f.Width
	if s.depad {
		s.scratch = make([]byte, 0, frame.DepadSize(w, h))
		s.log.Info().
			Int("padding", stride-w).
			Msg("Stride padding detected, depadding frames")
	}

	params := encoder.Params{PixFmt: strategy.EncoderFormat, Width: f.Width, Height: f.Height}
	proc, err := s.spawner.Spawn(params)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderStart, err)
	}
	s.proc = proc
	s.geometry.Store(&Stats{
		Width:         f.Width,
		Height:        f.Height,
		Stride:        f.Stride,
		Format:        f.Format.String(),
		EncoderFormat: params.PixFmt,
		Depad:         s.depad,
	})
	s.log.Info().
		Str("pix_fmt", params.PixFmt).
		Str("size", params.Size()).
		Msg("Encoder started")
	return nil
}

// write sends one frame to the encoder, straight from shared memory when
// rows carry no padding.
func (s *Streamer) write(smp *shm.Sample) error {
	f := smp.Payload()
	buf := f.Payload()
	if s.depad {
		s.scratch = frame.Depad(s.scratch, buf, s.planes)
		buf = s.scratch
	}
	if _, err := s.proc.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderPipeClosed, err)
	}
	n := atomic.AddUint64(&s.streamed, 1)
	if n%s.cfg.ProgressEvery == 0 {
		s.log.Info().
			Uint64("streamed", n).
			Uint64("seq", f.Sequence).
			Uint64("lost", atomic.LoadUint64(&s.lost)).
			Msg("Progress")
	}
	return nil
}

func (s *Streamer) endOfStream(err error) error {
	if !errors.Is(err, ErrEncoderPipeClosed) {
		return err
	}
	s.log.Warn().Err(err).Msg("Encoder pipe closed")
	return nil
}

func (s *Streamer) closeEncoder() {
	if s.proc == nil {
		return
	}
	if err := s.proc.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Encoder exited")
	}
	s.proc = nil
}

// Stats returns a snapshot of the streamer counters. It is safe to call
// from any goroutine.
func (s *Streamer) Stats() Stats {
	var st Stats
	if g := s.geometry.Load(); g != nil {
		st = *g
	}
	st.Received = atomic.LoadUint64(&s.received)
	st.Streamed = atomic.LoadUint64(&s.streamed)
	st.Gaps = atomic.LoadUint64(&s.gaps)
	st.Lost = atomic.LoadUint64(&s.lost)
	st.Overruns = atomic.LoadUint64(&s.overruns)
	st.Resets = atomic.LoadUint64(&s.resets)
	return st
}
