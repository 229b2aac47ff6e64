// Package publisher runs the capture loop: it drives a camera through its
// request queue and publishes every completed capture as a frame.Frame on a
// shared-memory service.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adamlouis/splitter/camera"
	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
)

var (
	// ErrNoCamera is returned when the manager has no cameras.
	ErrNoCamera = errors.New("publisher: no camera found")

	// ErrCameraConfig is returned when the camera cannot be configured or
	// started, or the negotiated format cannot be described by a frame.
	ErrCameraConfig = errors.New("publisher: camera configuration failed")

	// ErrTransportInit is returned when the publisher port cannot be opened.
	ErrTransportInit = shm.ErrTransportInit

	// ErrOversizeFrame is logged when a capture does not fit in a frame.
	ErrOversizeFrame = errors.New("publisher: frame too large")

	// ErrQueue is returned when a request cannot be re-queued.
	ErrQueue = errors.New("publisher: re-queue failed")
)

// Config holds the capture parameters.
type Config struct {
	// Width and Height are requested from the camera. The camera may adjust
	// them.
	Width  uint32
	Height uint32
	// BufferCount overrides the camera's default number of buffers when
	// non-zero.
	BufferCount int
	// ProgressEvery logs progress at info level every this many frames.
	ProgressEvery uint64
}

// DefaultConfig returns a 1280x720 capture.
func DefaultConfig() Config {
	return Config{Width: 1280, Height: 720, ProgressEvery: 100}
}

// Stats counts what the capture loop did with completed requests.
type Stats struct {
	// Captured counts completed requests.
	Captured uint64 `json:"captured"`
	// Published counts frames sent.
	Published uint64 `json:"published"`
	// Oversize counts captures dropped for exceeding frame.MaxFrameSize.
	Oversize uint64 `json:"oversize"`
	// Empty counts captures that carried no bytes.
	Empty uint64 `json:"empty"`
	// LoanFailures counts captures dropped because no slot was free.
	LoanFailures    uint64 `json:"loan_failures"`
	MissingBuffer   uint64 `json:"missing_buffer"`
	MissingMetadata uint64 `json:"missing_metadata"`
	// Sequence is the sequence number the next capture will carry.
	Sequence uint64 `json:"sequence"`

	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	Stride uint32 `json:"stride"`
	Format string `json:"format"`
}

// Publisher owns one camera session and one publisher port.
type Publisher struct {
	cfg Config
	mgr camera.Manager
	svc *shm.Service
	log zerolog.Logger

	port      *shm.Publisher
	cam       camera.Camera
	acquired  bool
	started   bool
	requests  []*camera.Request
	completed chan *camera.Request

	width, height, stride uint32
	format                frame.PixelFormat

	seq uint64

	// Statistics (atomic, read by Stats from any goroutine)
	captured        uint64
	published       uint64
	oversize        uint64
	empty           uint64
	loanFailures    uint64
	missingBuffer   uint64
	missingMetadata uint64
	seqSnapshot     uint64
}

// New returns a publisher that will capture from the first camera of mgr
// and publish on svc. The service must have been opened with
// shm.OpenOrCreate.
func New(cfg Config, mgr camera.Manager, svc *shm.Service, log zerolog.Logger) *Publisher {
	if cfg.ProgressEvery == 0 {
		cfg.ProgressEvery = 100
	}
	return &Publisher{
		cfg: cfg,
		mgr: mgr,
		svc: svc,
		log: log.With().Str("component", "publisher").Logger(),
	}
}

// Start opens the publisher port, configures the camera, prepares one
// request per buffer and starts capture.
func (p *Publisher) Start(ctx context.Context) error {
	port, err := p.svc.Publisher()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportInit, err)
	}
	p.port = port
	p.log.Info().
		Str("service", p.svc.Name()).
		Str("file", p.svc.File()).
		Str("publisher_id", port.ID().String()).
		Msg("IPC publisher ready")

	cams := p.mgr.Cameras()
	if len(cams) == 0 {
		return ErrNoCamera
	}
	p.cam = cams[0]
	p.log.Info().Str("id", p.cam.ID()).Msg("Found camera")

	if err := p.cam.Acquire(); err != nil {
		return fmt.Errorf("%w: acquire: %w", ErrCameraConfig, err)
	}
	p.acquired = true

	if err := p.configure(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buffers, err := p.cam.AllocateBuffers()
	if err != nil {
		return fmt.Errorf("%w: allocate buffers: %w", ErrCameraConfig, err)
	}
	p.log.Info().Int("count", len(buffers)).Msg("Allocated buffers")

	for _, b := range buffers {
		r, err := p.cam.CreateRequest()
		if err != nil {
			return fmt.Errorf("%w: create request: %w", ErrCameraConfig, err)
		}
		r.Controls().SetBool(camera.ControlAeEnable, true)
		if err := r.AddBuffer(b); err != nil {
			return fmt.Errorf("%w: add buffer: %w", ErrCameraConfig, err)
		}
		p.requests = append(p.requests, r)
	}

	// The camera never holds more requests than were created, so the
	// callback never blocks.
	p.completed = make(chan *camera.Request, len(p.requests))
	p.cam.OnRequestCompleted(func(r *camera.Request) {
		p.completed <- r
	})

	if err := p.cam.Start(); err != nil {
		return fmt.Errorf("%w: start: %w", ErrCameraConfig, err)
	}
	p.started = true
	for _, r := range p.requests {
		if err := p.cam.QueueRequest(r); err != nil {
			return fmt.Errorf("%w: queue request: %w", ErrCameraConfig, err)
		}
	}
	return nil
}

// configure negotiates the stream with the camera and records the
// geometry every frame will carry.
func (p *Publisher) configure() error {
	cfg, err := p.cam.GenerateConfiguration(camera.RoleVideoRecording)
	if err != nil {
		return fmt.Errorf("%w: generate configuration: %w", ErrCameraConfig, err)
	}
	sc := cfg.At(0)
	if sc == nil {
		return fmt.Errorf("%w: no stream configuration", ErrCameraConfig)
	}
	sc.Width, sc.Height = p.cfg.Width, p.cfg.Height
	if p.cfg.BufferCount > 0 {
		sc.BufferCount = p.cfg.BufferCount
	}

	switch status := p.cam.Validate(cfg); status {
	case camera.Valid:
		p.log.Info().Msg("Config valid")
	case camera.Adjusted:
		p.log.Warn().
			Uint32("width", sc.Width).
			Uint32("height", sc.Height).
			Msg("Config adjusted")
	default:
		return fmt.Errorf("%w: %dx%d: %v", ErrCameraConfig, p.cfg.Width, p.cfg.Height, status)
	}

	if err := p.cam.Configure(cfg); err != nil {
		return fmt.Errorf("%w: configure: %w", ErrCameraConfig, err)
	}
	sc = cfg.At(0)

	p.width, p.height, p.stride = sc.Width, sc.Height, sc.Stride
	p.format = frame.FormatFromFourCC(sc.PixelFormat)
	if p.format == frame.FormatUnknown {
		p.log.Warn().
			Str("fourcc", frame.FourCCString(sc.PixelFormat)).
			Msg("Unrecognized pixel format, publishing as unknown")
	}
	if err := frame.CheckGeometry(p.width, p.height, p.stride, p.format); err != nil {
		return fmt.Errorf("%w: %w", ErrCameraConfig, err)
	}

	p.log.Info().
		Uint32("width", p.width).
		Uint32("height", p.height).
		Uint32("stride", p.stride).
		Stringer("format", p.format).
		Msg("Camera configured")
	return nil
}

// Run consumes completed requests until ctx is cancelled or a request
// cannot be re-queued.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.started {
		return errors.New("publisher: not started")
	}
	p.log.Info().Msg("Capture loop starting")
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-p.completed:
			if r.Status() == camera.RequestCancelled && ctx.Err() != nil {
				return nil
			}
			p.handle(r)
			r.Reuse(camera.ReuseBuffers)
			if err := p.cam.QueueRequest(r); err != nil {
				return fmt.Errorf("%w: %w", ErrQueue, err)
			}
		}
	}
}

// handle publishes one completed request.
func (p *Publisher) handle(r *camera.Request) {
	atomic.AddUint64(&p.captured, 1)

	b := r.Buffer()
	if b == nil {
		atomic.AddUint64(&p.missingBuffer, 1)
		p.log.Warn().Uint64("request", r.Cookie()).Msg("Completed request has no buffer")
		return
	}
	md := b.Metadata()
	if md == nil {
		atomic.AddUint64(&p.missingMetadata, 1)
		p.log.Warn().
			Uint64("request", r.Cookie()).
			Stringer("status", r.Status()).
			Msg("Frame buffer has no metadata")
		return
	}

	seq := p.seq
	defer p.advance()

	total := 0
	for i, pl := range b.Planes {
		total += planeBytes(pl, md, i)
	}
	if total > frame.MaxFrameSize {
		atomic.AddUint64(&p.oversize, 1)
		p.log.Error().
			Err(ErrOversizeFrame).
			Uint64("seq", seq).
			Int("len", total).
			Msg("Frame too large, skipping")
		return
	}
	if total == 0 {
		atomic.AddUint64(&p.empty, 1)
		return
	}

	sample, err := p.port.Loan()
	if err != nil {
		atomic.AddUint64(&p.loanFailures, 1)
		p.log.Warn().Err(err).Uint64("seq", seq).Msg("Loan failed")
		return
	}
	f := sample.Payload()
	off := 0
	for i, pl := range b.Planes {
		off += copy(f.Data[off:], pl.Data[:planeBytes(pl, md, i)])
	}
	f.TimestampNs = md.Timestamp
	f.Sequence = seq
	f.Width = p.width
	f.Height = p.height
	f.Stride = p.stride
	f.Format = p.format
	f.Len = uint32(off)
	if err := sample.Send(); err != nil {
		atomic.AddUint64(&p.loanFailures, 1)
		p.log.Warn().Err(err).Uint64("seq", seq).Msg("Send failed")
		return
	}
	atomic.AddUint64(&p.published, 1)
	p.log.Debug().Uint64("seq", seq).Int("len", off).Msg("Published")
}

// planeBytes is the number of valid bytes in plane i.
func planeBytes(pl camera.Plane, md *camera.Metadata, i int) int {
	if i >= len(md.Planes) {
		return 0
	}
	n := int(md.Planes[i].BytesUsed)
	if n > pl.Length() {
		n = pl.Length()
	}
	return n
}

func (p *Publisher) advance() {
	p.seq++
	atomic.StoreUint64(&p.seqSnapshot, p.seq)
	if p.seq%p.cfg.ProgressEvery == 0 {
		p.log.Info().
			Uint64("seq", p.seq).
			Uint64("published", atomic.LoadUint64(&p.published)).
			Msg("Progress")
	}
}

// Stats returns a snapshot of the capture counters. It is safe to call
// from any goroutine.
func (p *Publisher) Stats() Stats {
	return Stats{
		Captured:        atomic.LoadUint64(&p.captured),
		Published:       atomic.LoadUint64(&p.published),
		Oversize:        atomic.LoadUint64(&p.oversize),
		Empty:           atomic.LoadUint64(&p.empty),
		LoanFailures:    atomic.LoadUint64(&p.loanFailures),
		MissingBuffer:   atomic.LoadUint64(&p.missingBuffer),
		MissingMetadata: atomic.LoadUint64(&p.missingMetadata),
		Sequence:        atomic.LoadUint64(&p.seqSnapshot),
		Width:           p.width,
		Height:          p.height,
		Stride:          p.stride,
		Format:          p.format.String(),
	}
}

// Close stops the camera, releases it and closes the publisher port. The
// shared-memory service stays open; it belongs to the caller.
func (p *Publisher) Close() error {
	var err error
	if p.started {
		p.started = false
		if e := p.cam.Stop(); e != nil {
			err = e
		}
	}
	if p.acquired {
		p.acquired = false
		if e := p.cam.Release(); e != nil && err == nil {
			err = e
		}
	}
	if p.port != nil {
		p.port.Close()
		p.port = nil
	}
	return err
}
