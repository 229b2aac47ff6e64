package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/adamlouis/splitter/v4l2"
)

const (
	defaultBuffers = 4
	dequeueTimeout = 200 * time.Millisecond
)

// Formats the V4L2 backend prefers, best first.
var preferredFormats = []uint32{
	fourcc('Y', 'U', '1', '2'),
	fourcc('N', 'V', '1', '2'),
	fourcc('N', 'V', '2', '1'),
}

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// V4L2Manager enumerates the V4L2 capture devices of the system.
type V4L2Manager struct {
	cameras []Camera
}

// NewV4L2Manager lists the devices in sysDir, normally
// v4l2.VIDEO4LINUX_DIR, and keeps those that open as streaming capture
// devices.
func NewV4L2Manager(sysDir string) (*V4L2Manager, error) {
	devices, err := v4l2.ListDevices(sysDir)
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	m := &V4L2Manager{}
	for _, info := range devices {
		d, err := v4l2.Open(info.Path)
		if err != nil {
			continue
		}
		card := d.Card()
		d.Close()
		m.cameras = append(m.cameras, &v4l2Camera{path: info.Path, card: card})
	}
	return m, nil
}

func (m *V4L2Manager) Cameras() []Camera { return m.cameras }

func (m *V4L2Manager) Close() error {
	var err error
	for _, c := range m.cameras {
		if e := c.(*v4l2Camera).Release(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// v4l2Camera drives one device with mmap streaming. A dequeue goroutine
// plays the part of the camera's completion thread.
type v4l2Camera struct {
	path string
	card string

	mu         sync.Mutex
	dev        *v4l2.Device
	cfg        *StreamConfig
	buffers    []*FrameBuffer
	inflight   map[uint32]*Request
	onComplete func(*Request)
	nextCookie uint64
	running    bool
	err        error
	stop       chan struct{}
	done       chan struct{}
}

func (c *v4l2Camera) ID() string { return fmt.Sprintf("%s (%s)", c.path, c.card) }

func (c *v4l2Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return fmt.Errorf("camera: %s: already acquired", c.path)
	}
	d, err := v4l2.Open(c.path)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	c.dev = d
	c.inflight = map[uint32]*Request{}
	return nil
}

func (c *v4l2Camera) Release() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	c.cfg = nil
	c.buffers = nil
	return err
}

func (c *v4l2Camera) GenerateConfiguration(roles ...StreamRole) (*Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, ErrNotAcquired
	}
	cur, err := c.dev.Format()
	if err != nil {
		return nil, fmt.Errorf("camera: %s: get format: %w", c.path, err)
	}
	supported := c.dev.SupportedFormats()
	code := cur.PixelFormat
	for _, f := range preferredFormats {
		if _, ok := supported[f]; ok {
			code = f
			break
		}
	}
	cfg := &Configuration{}
	for range roles {
		cfg.Streams = append(cfg.Streams, StreamConfig{
			Width:       cur.Width,
			Height:      cur.Height,
			PixelFormat: code,
			BufferCount: defaultBuffers,
		})
	}
	return cfg, nil
}

func (c *v4l2Camera) Validate(cfg *Configuration) ConfigStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil || cfg == nil || len(cfg.Streams) == 0 {
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
	got, err := c.dev.TryFormat(v4l2.PixFormat{
		Width:       sc.Width,
		Height:      sc.Height,
		PixelFormat: sc.PixelFormat,
	})
	if err != nil || got.Width == 0 || got.Height == 0 {
		return Invalid
	}
	if got.Width != sc.Width || got.Height != sc.Height || got.PixelFormat != sc.PixelFormat {
		status = Adjusted
	}
	if sc.BufferCount < 2 {
		sc.BufferCount = defaultBuffers
		status = Adjusted
	}
	sc.Width, sc.Height, sc.PixelFormat = got.Width, got.Height, got.PixelFormat
	sc.Stride, sc.FrameSize = got.BytesPerLine, got.SizeImage
	return status
}

func (c *v4l2Camera) Configure(cfg *Configuration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return ErrNotAcquired
	}
	sc := cfg.At(0)
	if sc == nil {
		return ErrInvalidConfig
	}
	if _, err := c.dev.SetFormat(v4l2.PixFormat{
		Width:       sc.Width,
		Height:      sc.Height,
		PixelFormat: sc.PixelFormat,
	}); err != nil {
		return fmt.Errorf("camera: %s: set format: %w", c.path, err)
	}
	// Read back what the driver settled on, including the stride.
	got, err := c.dev.Format()
	if err != nil {
		return fmt.Errorf("camera: %s: get format: %w", c.path, err)
	}
	sc.Width, sc.Height, sc.PixelFormat = got.Width, got.Height, got.PixelFormat
	sc.Stride, sc.FrameSize = got.BytesPerLine, got.SizeImage
	cp := *sc
	c.cfg = &cp
	return nil
}

func (c *v4l2Camera) AllocateBuffers() ([]*FrameBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, ErrNotAcquired
	}
	if c.cfg == nil {
		return nil, ErrNotConfigured
	}
	mem, err := c.dev.AllocateBuffers(uint32(c.cfg.BufferCount))
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	// Single-planar formats keep every plane in one buffer, back to back.
	c.buffers = make([]*FrameBuffer, len(mem))
	for i, m := range mem {
		c.buffers[i] = NewFrameBuffer(uint32(i), m)
	}
	return c.buffers, nil
}

func (c *v4l2Camera) CreateRequest() (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, ErrNotAcquired
	}
	c.nextCookie++
	return newRequest(c.nextCookie), nil
}

func (c *v4l2Camera) OnRequestCompleted(fn func(*Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

func (c *v4l2Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return ErrNotAcquired
	}
	if c.buffers == nil {
		return ErrNotConfigured
	}
	if c.running {
		return nil
	}
	if err := c.dev.StartStreaming(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	c.running = true
	c.err = nil
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.capture(c.stop, c.done)
	return nil
}

func (c *v4l2Camera) QueueRequest(r *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if !c.running {
		return ErrNotRunning
	}
	b, err := r.markQueued()
	if err != nil {
		return err
	}
	// Controls are applied once. Not every sensor exposes them.
	if on, ok := r.controls.Get(ControlAeEnable); ok {
		c.dev.SetAutoExposure(on != 0)
		delete(r.controls, ControlAeEnable)
	}
	if on, ok := r.controls.Get(ControlAwbEnable); ok {
		c.dev.SetControl(v4l2.V4L2_CID_AUTO_WHITE_BALANCE, on)
		delete(r.controls, ControlAwbEnable)
	}
	if err := c.dev.Enqueue(b.index); err != nil {
		r.Reuse(ReuseBuffers)
		return fmt.Errorf("camera: %s: queue buffer %d: %w", c.path, b.index, err)
	}
	c.inflight[b.index] = r
	return nil
}

// capture dequeues filled buffers and completes their requests until stop
// is closed or the device fails.
func (c *v4l2Camera) capture(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := c.dev.WaitForFrame(dequeueTimeout)
		switch err.(type) {
		case nil:
		case *v4l2.Timeout:
			continue
		default:
			if errors.Is(err, unix.EINTR) {
				continue
			}
			c.fail(err)
			return
		}

		buf, err := c.dev.Dequeue()
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		r := c.inflight[buf.Index]
		delete(c.inflight, buf.Index)
		fn := c.onComplete
		c.mu.Unlock()
		if r == nil {
			continue
		}
		r.complete(RequestComplete, &Metadata{
			Sequence:  buf.Sequence,
			Timestamp: buf.TimestampNs,
			Planes:    []PlaneMetadata{{BytesUsed: buf.BytesUsed}},
		})
		if fn != nil {
			fn(r)
		}
	}
}

// fail records a device error and cancels everything in flight. Later
// QueueRequest calls return the error.
func (c *v4l2Camera) fail(err error) {
	c.mu.Lock()
	c.err = fmt.Errorf("camera: %s: %w", c.path, err)
	c.mu.Unlock()
	c.cancelAll()
}

func (c *v4l2Camera) cancelAll() {
	c.mu.Lock()
	reqs := make([]*Request, 0, len(c.inflight))
	for idx, r := range c.inflight {
		reqs = append(reqs, r)
		delete(c.inflight, idx)
	}
	fn := c.onComplete
	c.mu.Unlock()
	for _, r := range reqs {
		r.complete(RequestCancelled, nil)
		if fn != nil {
			fn(r)
		}
	}
}

func (c *v4l2Camera) Stop() error {
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
	err := c.dev.StopStreaming()
	c.mu.Unlock()
	c.cancelAll()
	return err
}
