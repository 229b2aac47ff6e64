package camera

import (
	"fmt"
	"sync"
)

// A ControlID names a camera control.
type ControlID uint32

const (
	// ControlAeEnable turns automatic exposure on (1) or off (0).
	ControlAeEnable ControlID = iota + 1
	// ControlAwbEnable turns automatic white balance on (1) or off (0).
	ControlAwbEnable
)

func (id ControlID) String() string {
	switch id {
	case ControlAeEnable:
		return "AeEnable"
	case ControlAwbEnable:
		return "AwbEnable"
	}
	return fmt.Sprintf("control(%d)", uint32(id))
}

// ControlList is a set of control values applied with a request.
type ControlList map[ControlID]int32

// Set sets a control value.
func (l ControlList) Set(id ControlID, value int32) { l[id] = value }

// SetBool sets a boolean control.
func (l ControlList) SetBool(id ControlID, on bool) {
	if on {
		l[id] = 1
	} else {
		l[id] = 0
	}
}

// Get returns a control value and whether it is set.
func (l ControlList) Get(id ControlID) (int32, bool) {
	v, ok := l[id]
	return v, ok
}

// A Plane is one memory region of a frame buffer.
type Plane struct {
	Data []byte
}

// Length is the size of the plane.
func (p Plane) Length() int { return len(p.Data) }

// PlaneMetadata describes how much of a plane the last capture filled.
type PlaneMetadata struct {
	BytesUsed uint32
}

// Metadata describes the last capture into a buffer.
type Metadata struct {
	// Sequence is the camera's own frame counter.
	Sequence uint32
	// Timestamp is the capture time in nanoseconds, CLOCK_MONOTONIC.
	Timestamp uint64
	Planes    []PlaneMetadata
}

// A FrameBuffer is memory the camera captures into.
type FrameBuffer struct {
	index    uint32
	Planes   []Plane
	metadata *Metadata
}

// Index is the position of the buffer in the slice AllocateBuffers returned.
func (b *FrameBuffer) Index() uint32 { return b.index }

// Metadata returns the metadata of the last capture, or nil when the buffer
// holds no valid frame.
func (b *FrameBuffer) Metadata() *Metadata { return b.metadata }

// RequestStatus is the state of a request.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestComplete
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestComplete:
		return "complete"
	case RequestCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ReuseFlag selects what Reuse keeps.
type ReuseFlag int

const (
	// ReuseDefault drops the buffer.
	ReuseDefault ReuseFlag = 0
	// ReuseBuffers keeps the attached buffer.
	ReuseBuffers ReuseFlag = 1
)

// A Request carries one buffer to be filled and the controls to apply.
type Request struct {
	mu       sync.Mutex
	cookie   uint64
	status   RequestStatus
	queued   bool
	buffer   *FrameBuffer
	controls ControlList
}

func newRequest(cookie uint64) *Request {
	return &Request{cookie: cookie, controls: ControlList{}}
}

// NewRequest returns a request not tied to any camera. It is meant for
// tests and for Camera implementations outside this package.
func NewRequest(cookie uint64) *Request { return newRequest(cookie) }

// Cookie returns the value the request was created with.
func (r *Request) Cookie() uint64 { return r.cookie }

// AddBuffer attaches a buffer.
func (r *Request) AddBuffer(b *FrameBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return ErrBusy
	}
	r.buffer = b
	return nil
}

// Buffer returns the attached buffer, or nil.
func (r *Request) Buffer() *FrameBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// Controls returns the controls applied when the request is queued.
func (r *Request) Controls() ControlList { return r.controls }

// Status returns the state of the request.
func (r *Request) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reuse makes a completed request ready to be queued again.
func (r *Request) Reuse(flags ReuseFlag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RequestPending
	r.queued = false
	if flags&ReuseBuffers == 0 {
		r.buffer = nil
	}
}

// markQueued checks the request can be queued and flags it as in flight.
func (r *Request) markQueued() (*FrameBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued {
		return nil, ErrBusy
	}
	if r.buffer == nil {
		return nil, ErrNoBuffer
	}
	r.queued = true
	r.status = RequestPending
	return r.buffer, nil
}

// complete finishes the request. A nil md marks the buffer as holding no
// valid frame.
func (r *Request) complete(status RequestStatus, md *Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	if r.buffer != nil {
		r.buffer.metadata = md
	}
}

// Complete finishes the request with the given status and buffer
// metadata. It is meant for Camera implementations outside this package.
func (r *Request) Complete(status RequestStatus, md *Metadata) {
	r.complete(status, md)
}

// NewFrameBuffer returns a buffer over the given planes.
func NewFrameBuffer(index uint32, planes ...[]byte) *FrameBuffer {
	b := &FrameBuffer{index: index}
	for _, p := range planes {
		b.Planes = append(b.Planes, Plane{Data: p})
	}
	return b
}
