// Package camera is a small request-based camera interface. A client
// configures a stream, allocates frame buffers, attaches each buffer to a
// request and queues the requests. The camera completes requests on its own
// goroutine and hands them to a completion callback; the client reads the
// buffer, resets the request with Reuse and queues it again.
//
// Two backends are provided: V4L2 capture devices and a synthetic test
// pattern generator.
package camera

import (
	"errors"
	"fmt"
)

var (
	ErrNotAcquired   = errors.New("camera: not acquired")
	ErrNotConfigured = errors.New("camera: not configured")
	ErrNotRunning    = errors.New("camera: not running")
	ErrNoBuffer      = errors.New("camera: request has no buffer")
	ErrBusy          = errors.New("camera: request already queued")
	ErrInvalidConfig = errors.New("camera: invalid configuration")
)

// A StreamRole hints at what the stream will be used for when generating a
// default configuration.
type StreamRole int

const (
	RoleRaw StreamRole = iota
	RoleStillCapture
	RoleVideoRecording
	RoleViewfinder
)

func (r StreamRole) String() string {
	switch r {
	case RoleRaw:
		return "raw"
	case RoleStillCapture:
		return "still"
	case RoleVideoRecording:
		return "video"
	case RoleViewfinder:
		return "viewfinder"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ConfigStatus is the result of validating a configuration.
type ConfigStatus int

const (
	// Valid means the configuration is used as is.
	Valid ConfigStatus = iota
	// Adjusted means the camera changed some values to ones it supports.
	Adjusted
	// Invalid means the configuration cannot be used.
	Invalid
)

func (s ConfigStatus) String() string {
	switch s {
	case Valid:
		return "valid"
	case Adjusted:
		return "adjusted"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StreamConfig describes one output stream.
type StreamConfig struct {
	Width  uint32
	Height uint32
	// Stride is the number of bytes per row of the first plane. It is set by
	// Validate and Configure.
	Stride uint32
	// PixelFormat is a little-endian FourCC code.
	PixelFormat uint32
	// FrameSize is the number of bytes in one frame, all planes included.
	FrameSize   uint32
	BufferCount int
}

// Configuration is the set of streams to configure on a camera. Both
// backends support a single stream.
type Configuration struct {
	Streams []StreamConfig
}

// At returns the i-th stream configuration, or nil.
func (c *Configuration) At(i int) *StreamConfig {
	if c == nil || i < 0 || i >= len(c.Streams) {
		return nil
	}
	return &c.Streams[i]
}

// Camera is one capture device.
type Camera interface {
	// ID identifies the camera within its manager.
	ID() string

	// Acquire claims exclusive use of the camera.
	Acquire() error
	// Release gives the camera up. Buffers allocated for it become invalid.
	Release() error

	GenerateConfiguration(roles ...StreamRole) (*Configuration, error)
	// Validate adjusts cfg in place to something the camera can do.
	Validate(cfg *Configuration) ConfigStatus
	Configure(cfg *Configuration) error

	// AllocateBuffers allocates frame buffers for the configured stream.
	AllocateBuffers() ([]*FrameBuffer, error)
	CreateRequest() (*Request, error)

	// OnRequestCompleted sets the completion callback. It is called on a
	// goroutine owned by the camera and must not block.
	OnRequestCompleted(fn func(*Request))

	Start() error
	QueueRequest(r *Request) error
	// Stop stops capture. Queued requests complete as cancelled.
	Stop() error
}

// Manager enumerates cameras.
type Manager interface {
	Cameras() []Camera
	Close() error
}
