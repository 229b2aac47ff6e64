// Package v4l2 is a thin mmap-streaming interface to Video4Linux2 capture
// devices, written directly against the kernel ioctls.
package v4l2

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrNotCapture  = errors.New("v4l2: not a video capture device")
	ErrNoStreaming = errors.New("v4l2: device does not support the streaming I/O method")
	ErrNoBuffers   = errors.New("v4l2: insufficient buffer memory")
)

// Timeout is returned by WaitForFrame when no frame arrived in time.
type Timeout struct{}

func (Timeout) Error() string { return "v4l2: timeout waiting for frame" }

// Device is an open capture device.
type Device struct {
	path      string
	fd        uintptr
	driver    string
	card      string
	buffers   [][]byte
	streaming bool
}

// Open opens a device in non-blocking mode and checks that it can capture
// video with streaming I/O.
func Open(path string) (*Device, error) {
	handle, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}
	fd := uintptr(handle)

	caps, err := queryCapabilities(fd)
	if err != nil {
		unix.Close(handle)
		return nil, fmt.Errorf("v4l2: %s: query capabilities: %w", path, err)
	}
	c := caps.capabilities
	if c&V4L2_CAP_DEVICE_CAPS != 0 {
		c = caps.device_caps
	}
	if c&V4L2_CAP_VIDEO_CAPTURE == 0 {
		unix.Close(handle)
		return nil, fmt.Errorf("%w: %s", ErrNotCapture, path)
	}
	if c&V4L2_CAP_STREAMING == 0 {
		unix.Close(handle)
		return nil, fmt.Errorf("%w: %s", ErrNoStreaming, path)
	}

	return &Device{
		path:   path,
		fd:     fd,
		driver: CToGoString(caps.driver[:]),
		card:   CToGoString(caps.card[:]),
	}, nil
}

// Path returns the device node the device was opened from.
func (d *Device) Path() string { return d.path }

// Driver returns the kernel driver name.
func (d *Device) Driver() string { return d.driver }

// Card returns the human readable device name.
func (d *Device) Card() string { return d.card }

// SupportedFormats returns the FourCC codes the device can capture, with
// their descriptions.
func (d *Device) SupportedFormats() map[uint32]string {
	result := make(map[uint32]string)
	for index := uint32(0); ; index++ {
		code, desc, err := getPixelFormat(d.fd, index)
		if err != nil {
			break
		}
		result[code] = desc
	}
	return result
}

// SupportedFrameSizes returns the frame sizes the device supports for a
// FourCC code.
func (d *Device) SupportedFrameSizes(code uint32) []FrameSize {
	var result []FrameSize
	for index := uint32(0); ; index++ {
		size, err := getFrameSize(d.fd, index, code)
		if err != nil {
			break
		}
		result = append(result, size)
		if size.StepWidth != 0 || size.StepHeight != 0 {
			// Stepwise and continuous ranges are reported once.
			break
		}
	}
	return result
}

// TryFormat asks the driver what it would do with f without changing the
// device state.
func (d *Device) TryFormat(f PixFormat) (PixFormat, error) {
	return formatIoctl(d.fd, VIDIOC_TRY_FMT, f)
}

// SetFormat sets the capture format and returns what the driver chose.
func (d *Device) SetFormat(f PixFormat) (PixFormat, error) {
	return formatIoctl(d.fd, VIDIOC_S_FMT, f)
}

// Format returns the current capture format.
func (d *Device) Format() (PixFormat, error) {
	return formatIoctl(d.fd, VIDIOC_G_FMT, PixFormat{})
}

// Controls returns the names of the controls the device exposes, by ID.
func (d *Device) Controls() map[uint32]string {
	return getControls(d.fd)
}

// SetControl sets a control value.
func (d *Device) SetControl(id uint32, value int32) error {
	return setControl(d.fd, id, value)
}

// SetAutoExposure turns automatic exposure on or off. Devices that only
// offer aperture priority get that instead of full auto.
func (d *Device) SetAutoExposure(on bool) error {
	if !on {
		return setControl(d.fd, V4L2_CID_EXPOSURE_AUTO, V4L2_EXPOSURE_MANUAL)
	}
	err := setControl(d.fd, V4L2_CID_EXPOSURE_AUTO, V4L2_EXPOSURE_AUTO)
	if err != nil {
		err = setControl(d.fd, V4L2_CID_EXPOSURE_AUTO, V4L2_EXPOSURE_APERTURE_PRIORITY)
	}
	return err
}

// AllocateBuffers requests count mmap buffers and maps them. The driver
// may grant a different number; at least two are required.
func (d *Device) AllocateBuffers(count uint32) ([][]byte, error) {
	if err := mmapRequestBuffers(d.fd, &count); err != nil {
		return nil, fmt.Errorf("v4l2: %s: request buffers: %w", d.path, err)
	}
	if count < 2 {
		return nil, ErrNoBuffers
	}
	d.buffers = make([][]byte, count)
	for index := range d.buffers {
		var length uint32
		buffer, err := mmapQueryBuffer(d.fd, uint32(index), &length)
		if err != nil {
			d.FreeBuffers()
			return nil, fmt.Errorf("v4l2: %s: map buffer %d: %w", d.path, index, err)
		}
		d.buffers[index] = buffer
	}
	return d.buffers, nil
}

// FreeBuffers unmaps the buffers and returns them to the driver.
func (d *Device) FreeBuffers() error {
	var err error
	for _, b := range d.buffers {
		if b == nil {
			continue
		}
		if e := mmapReleaseBuffer(b); e != nil && err == nil {
			err = e
		}
	}
	d.buffers = nil
	var zero uint32
	if e := mmapRequestBuffers(d.fd, &zero); e != nil && err == nil {
		err = e
	}
	return err
}

// Enqueue hands a buffer to the driver to be filled.
func (d *Device) Enqueue(index uint32) error {
	return mmapEnqueueBuffer(d.fd, index)
}

// Dequeue takes a filled buffer from the driver. It fails with EAGAIN when
// none is ready.
func (d *Device) Dequeue() (Buffer, error) {
	return mmapDequeueBuffer(d.fd)
}

// WaitForFrame waits until a buffer can be dequeued. It returns a Timeout
// error if none arrives in time.
func (d *Device) WaitForFrame(timeout time.Duration) error {
	count, err := waitForFrame(d.fd, timeout.Nanoseconds())
	if count < 0 || err != nil {
		return err
	}
	if count == 0 {
		return new(Timeout)
	}
	return nil
}

// StartStreaming starts capture.
func (d *Device) StartStreaming() error {
	if d.streaming {
		return nil
	}
	if err := startStreaming(d.fd); err != nil {
		return fmt.Errorf("v4l2: %s: stream on: %w", d.path, err)
	}
	d.streaming = true
	return nil
}

// StopStreaming stops capture. Every queued buffer is returned to the
// application.
func (d *Device) StopStreaming() error {
	if !d.streaming {
		return nil
	}
	d.streaming = false
	return stopStreaming(d.fd)
}

// Close stops streaming, frees the buffers and closes the device.
func (d *Device) Close() error {
	d.StopStreaming()
	if d.buffers != nil {
		d.FreeBuffers()
	}
	return unix.Close(int(d.fd))
}
