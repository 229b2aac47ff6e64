package camera

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/adamlouis/splitter/frame"
)

// SyntheticConfig describes a generated camera.
type SyntheticConfig struct {
	// MaxWidth and MaxHeight bound the sizes Validate accepts.
	MaxWidth  uint32
	MaxHeight uint32
	FPS       int
	// Format is the pixel format generated. Formats other than the 4:2:0
	// ones are adjusted to NV12.
	Format frame.PixelFormat
	// Pattern is "bars", "gradient" or "grid".
	Pattern string
	// StrideAlign rounds the row length up to a multiple of this many bytes,
	// the way hardware ISPs pad rows.
	StrideAlign uint32
}

// DefaultSyntheticConfig is a 1080p-capable 30 fps NV12 source with
// 64-byte row alignment.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		MaxWidth:    1920,
		MaxHeight:   1080,
		FPS:         30,
		Format:      frame.FormatNV12,
		Pattern:     "bars",
		StrideAlign: 64,
	}
}

// SyntheticManager offers a single synthetic camera.
type SyntheticManager struct {
	cam *SyntheticCamera
}

// NewSyntheticManager returns a manager with one camera generating cfg.
func NewSyntheticManager(cfg SyntheticConfig) (*SyntheticManager, error) {
	if _, ok := patterns[cfg.Pattern]; !ok {
		return nil, fmt.Errorf("camera: unknown pattern %q", cfg.Pattern)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("camera: invalid frame rate %d", cfg.FPS)
	}
	if cfg.MaxWidth < 2 || cfg.MaxHeight < 2 {
		return nil, fmt.Errorf("camera: invalid maximum size %dx%d", cfg.MaxWidth, cfg.MaxHeight)
	}
	if cfg.StrideAlign == 0 {
		cfg.StrideAlign = 1
	}
	return &SyntheticManager{cam: &SyntheticCamera{cfg: cfg}}, nil
}

func (m *SyntheticManager) Cameras() []Camera { return []Camera{m.cam} }

func (m *SyntheticManager) Close() error { return m.cam.Release() }

// SyntheticCamera generates moving test patterns. A ticker goroutine plays
// the part of the sensor: on every tick it fills the oldest queued request,
// or drops the frame when none is queued.
type SyntheticCamera struct {
	cfg SyntheticConfig

	mu         sync.Mutex
	acquired   bool
	stream     *StreamConfig
	buffers    []*FrameBuffer
	queue      []*Request
	onComplete func(*Request)
	nextCookie uint64
	running    bool
	frames     uint32
	dropped    uint64
	stop       chan struct{}
	done       chan struct{}
}

func (c *SyntheticCamera) ID() string {
	return fmt.Sprintf("synthetic/%s", c.cfg.Pattern)
}

func (c *SyntheticCamera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return fmt.Errorf("camera: %s: already acquired", c.ID())
	}
	c.acquired = true
	return nil
}

func (c *SyntheticCamera) Release() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
	c.stream = nil
	c.buffers = nil
	return nil
}

func (c *SyntheticCamera) GenerateConfiguration(roles ...StreamRole) (*Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, ErrNotAcquired
	}
	cfg := &Configuration{}
	for range roles {
		cfg.Streams = append(cfg.Streams, StreamConfig{
			Width:       1280,
			Height:      720,
			PixelFormat: uint32(c.cfg.Format),
			BufferCount: defaultBuffers,
		})
	}
	return cfg, nil
}

func (c *SyntheticCamera) Validate(cfg *Configuration) ConfigStatus {
	if cfg == nil || len(cfg.Streams) == 0 {
		return Invalid
	}
	status := Valid
	if len(cfg.Streams) > 1 {
		cfg.Streams = cfg.Streams[:1]
		status = Adjusted
	}
	sc := &cfg.Streams[0]
	if sc.Width == 0 || sc.Height == 0 {
		return Invalid
	}
	w, h := clampEven(sc.Width, c.cfg.MaxWidth), clampEven(sc.Height, c.cfg.MaxHeight)
	if w != sc.Width || h != sc.Height {
		sc.Width, sc.Height = w, h
		status = Adjusted
	}
	if !frame.FormatFromFourCC(sc.PixelFormat).Is420() {
		sc.PixelFormat = uint32(frame.FormatNV12)
		status = Adjusted
	}
	if sc.BufferCount < 2 {
		sc.BufferCount = defaultBuffers
		status = Adjusted
	}
	sc.Stride = alignUp(sc.Width, c.cfg.StrideAlign)
	if sc.Stride%2 != 0 {
		sc.Stride++
	}
	sc.FrameSize = sc.Stride * sc.Height * 3 / 2
	return status
}

func clampEven(v, max uint32) uint32 {
	if v > max {
		v = max
	}
	if v%2 != 0 {
		v--
	}
	if v < 2 {
		v = 2
	}
	return v
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}

func (c *SyntheticCamera) Configure(cfg *Configuration) error {
	if c.Validate(cfg) == Invalid {
		return ErrInvalidConfig
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return ErrNotAcquired
	}
	sc := *cfg.At(0)
	c.stream = &sc
	return nil
}

// planeSizes returns the size of every plane of the configured format.
func planeSizes(sc *StreamConfig) []int {
	y := int(sc.Stride * sc.Height)
	if frame.FormatFromFourCC(sc.PixelFormat) == frame.FormatYUV420 {
		c := int(sc.Stride/2) * int(sc.Height/2)
		return []int{y, c, c}
	}
	return []int{y, int(sc.Stride) * int(sc.Height/2)}
}

func (c *SyntheticCamera) AllocateBuffers() ([]*FrameBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, ErrNotAcquired
	}
	if c.stream == nil {
		return nil, ErrNotConfigured
	}
	sizes := planeSizes(c.stream)
	c.buffers = make([]*FrameBuffer, c.stream.BufferCount)
	for i := range c.buffers {
		planes := make([][]byte, len(sizes))
		for p, n := range sizes {
			planes[p] = make([]byte, n)
		}
		c.buffers[i] = NewFrameBuffer(uint32(i), planes...)
	}
	return c.buffers, nil
}

func (c *SyntheticCamera) CreateRequest() (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, ErrNotAcquired
	}
	c.nextCookie++
	return newRequest(c.nextCookie), nil
}

func (c *SyntheticCamera) OnRequestCompleted(fn func(*Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

func (c *SyntheticCamera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return ErrNotAcquired
	}
	if c.buffers == nil {
		return ErrNotConfigured
	}
	if c.running {
		return nil
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(time.Second/time.Duration(c.cfg.FPS), c.stop, c.done)
	return nil
}

func (c *SyntheticCamera) QueueRequest(r *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	if _, err := r.markQueued(); err != nil {
		return err
	}
	// Exposure and white balance are meaningless for generated frames.
	delete(r.controls, ControlAeEnable)
	delete(r.controls, ControlAwbEnable)
	c.queue = append(c.queue, r)
	return nil
}

// Dropped returns the number of ticks that found no queued request.
func (c *SyntheticCamera) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *SyntheticCamera) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *SyntheticCamera) tick() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.dropped++
		c.frames++
		c.mu.Unlock()
		return
	}
	r := c.queue[0]
	c.queue = c.queue[1:]
	seq := c.frames
	c.frames++
	sc := *c.stream
	fn := c.onComplete
	c.mu.Unlock()

	b := r.Buffer()
	draw := patterns[c.cfg.Pattern]
	draw(b, &sc, seq)

	md := &Metadata{Sequence: seq, Timestamp: monotonicNow()}
	for _, p := range b.Planes {
		md.Planes = append(md.Planes, PlaneMetadata{BytesUsed: uint32(len(p.Data))})
	}
	r.complete(RequestComplete, md)
	if fn != nil {
		fn(r)
	}
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Nano())
}

func (c *SyntheticCamera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done

	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	fn := c.onComplete
	c.mu.Unlock()
	for _, r := range queued {
		r.complete(RequestCancelled, nil)
		if fn != nil {
			fn(r)
		}
	}
	return nil
}
