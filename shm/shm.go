// Package shm is a single-publisher, multi-subscriber shared-memory channel
// of fixed-size frame.Frame slots.
//
// A service is a file in a tmpfs directory (normally /dev/shm) that every
// participant maps MAP_SHARED. The file starts with a header followed by a
// ring of slots. Each slot carries a seqlock word, a reader hold count and
// the publish index of the record it contains. The publisher writes a record
// in place between Loan and Send; subscribers read it in place between
// Receive and Release. A slot that any subscriber holds is never loaned.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/adamlouis/splitter/frame"
)

const (
	// DefaultDir is where service files are created.
	DefaultDir = "/dev/shm"

	// DefaultSlots is the ring size used when WithSlots is not given.
	DefaultSlots = 4

	filePrefix = "splitter."
	magic      = "SPLT"
	version    = 1

	headerSize     = 128
	slotHeaderSize = 64
	slotAlign      = 64
)

var (
	// ErrTransportInit is returned when a service cannot be created or opened.
	ErrTransportInit = errors.New("shm: transport init failed")

	// ErrLoanFailed is returned by Loan when no slot can be written right now.
	ErrLoanFailed = errors.New("shm: loan failed")

	// ErrPublisherExists is returned when the service already has a publisher.
	ErrPublisherExists = errors.New("shm: service already has a publisher")

	// ErrClosed is returned by operations on a closed service or port.
	ErrClosed = errors.New("shm: closed")
)

// header is the layout of the first headerSize bytes of a service file.
type header struct {
	magic       [4]byte
	version     uint32
	slotSize    uint64
	payloadSize uint64
	slots       uint32
	_           uint32
	published   atomic.Uint64
	alive       atomic.Uint32
	_           uint32
	publisherID [16]byte
	_           [64]byte
}

// slotHeader precedes the record in every slot. state is even while the
// record is stable and odd while the publisher writes it. index is the
// publish index of the record plus one, zero for a slot never written.
type slotHeader struct {
	state atomic.Uint64
	index atomic.Uint64
	holds atomic.Int32
	_     [44]byte
}

type options struct {
	dir   string
	slots int
}

// An Option configures a service.
type Option func(*options) error

// WithDir places the service file in dir instead of DefaultDir.
func WithDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return errors.New("shm: empty directory")
		}
		o.dir = dir
		return nil
	}
}

// WithSlots sets the number of slots in the ring. It only has an effect when
// the service is created.
func WithSlots(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("shm: invalid slot count %d", n)
		}
		o.slots = n
		return nil
	}
}

// A Service is one mapping of a named shared-memory channel.
type Service struct {
	name  string
	path  string
	file  *os.File
	mem   []byte
	hdr   *header
	slots int
	size  int // bytes per slot

	// owner is set when this process holds the publisher lock.
	owner     bool
	publisher *Publisher
	closed    bool
}

// Path returns the file that backs the named service.
func Path(dir, name string) string {
	return filepath.Join(dir, filePrefix+strings.ReplaceAll(strings.Trim(name, "/"), "/", "."))
}

func slotSize() int {
	n := slotHeaderSize + frame.Size
	return (n + slotAlign - 1) / slotAlign * slotAlign
}

func parseOptions(opts []Option) (options, error) {
	o := options{dir: DefaultDir, slots: DefaultSlots}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

// OpenOrCreate opens the named service for publishing, creating the backing
// file if it does not exist. The first process to open a service this way
// takes the publisher lock and stays owner until Close.
func OpenOrCreate(name string, opts ...Option) (*Service, error) {
	o, err := parseOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	path := Path(o.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	fd := int(f.Fd())

	owner := true
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("%w: lock %s: %v", ErrTransportInit, path, err)
		}
		owner = false
	}
	if !owner {
		// Somebody else publishes; share their layout.
		s, err := mapExisting(name, path, f)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	size := slotSize()
	total := headerSize + o.slots*size
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrTransportInit, path, err)
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrTransportInit, path, err)
	}
	s := &Service{
		name:  name,
		path:  path,
		file:  f,
		mem:   mem,
		hdr:   (*header)(unsafe.Pointer(&mem[0])),
		slots: o.slots,
		size:  size,
		owner: true,
	}
	if s.compatible(total) != nil {
		s.format()
	} else {
		s.recover()
	}
	return s, nil
}

// Open opens an existing service for subscribing.
func Open(name string, opts ...Option) (*Service, error) {
	o, err := parseOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	path := Path(o.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	return mapExisting(name, path, f)
}

func mapExisting(name, path string, f *os.File) (*Service, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	total := int(fi.Size())
	if total < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s: not initialized", ErrTransportInit, path)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrTransportInit, path, err)
	}
	hdr := (*header)(unsafe.Pointer(&mem[0]))
	s := &Service{
		name:  name,
		path:  path,
		file:  f,
		mem:   mem,
		hdr:   hdr,
		slots: int(hdr.slots),
		size:  int(hdr.slotSize),
	}
	if err := s.compatible(total); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportInit, path, err)
	}
	return s, nil
}

// compatible checks that the mapped header describes a layout this build
// can use and that the file is large enough to hold it.
func (s *Service) compatible(total int) error {
	h := s.hdr
	switch {
	case string(h.magic[:]) != magic:
		return errors.New("bad magic")
	case h.version != version:
		return fmt.Errorf("version %d, want %d", h.version, version)
	case h.payloadSize != uint64(frame.Size):
		return fmt.Errorf("record size %d, want %d", h.payloadSize, frame.Size)
	case h.slotSize != uint64(slotSize()):
		return fmt.Errorf("slot size %d, want %d", h.slotSize, slotSize())
	case h.slots == 0 || headerSize+int(h.slots)*int(h.slotSize) > total:
		return fmt.Errorf("%d slots do not fit in %d bytes", h.slots, total)
	case s.slots != int(h.slots):
		return fmt.Errorf("%d slots, want %d", h.slots, s.slots)
	}
	return nil
}

// format writes a fresh header and clears every slot header.
func (s *Service) format() {
	for i := range s.mem[:headerSize] {
		s.mem[i] = 0
	}
	for i := 0; i < s.slots; i++ {
		off := headerSize + i*s.size
		for j := off; j < off+slotHeaderSize; j++ {
			s.mem[j] = 0
		}
	}
	h := s.hdr
	copy(h.magic[:], magic)
	h.version = version
	h.slotSize = uint64(s.size)
	h.payloadSize = uint64(frame.Size)
	h.slots = uint32(s.slots)
}

// recover returns slots left mid-write by a publisher that died to the
// stable state. The publish counter is kept so subscribers carry on.
func (s *Service) recover() {
	for i := 0; i < s.slots; i++ {
		sl := s.slot(i)
		if st := sl.state.Load(); st&1 == 1 {
			sl.index.Store(0)
			sl.state.Store(st + 1)
		}
	}
}

func (s *Service) slot(i int) *slotHeader {
	return (*slotHeader)(unsafe.Pointer(&s.mem[headerSize+i*s.size]))
}

func (s *Service) record(i int) *frame.Frame {
	return (*frame.Frame)(unsafe.Pointer(&s.mem[headerSize+i*s.size+slotHeaderSize]))
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// File returns the path of the backing file.
func (s *Service) File() string { return s.path }

// Slots returns the ring size.
func (s *Service) Slots() int { return s.slots }

// Published returns the number of records sent since the service was created.
func (s *Service) Published() uint64 { return s.hdr.published.Load() }

// PublisherAlive reports whether a publisher port is currently open.
func (s *Service) PublisherAlive() bool { return s.hdr.alive.Load() == 1 }

// PublisherID returns the identity of the last publisher port opened.
func (s *Service) PublisherID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], s.hdr.publisherID[:])
	return id
}

// Close unmaps the service and releases the publisher lock, if held. The
// backing file is left in place.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	s.closed = true
	err := unix.Munmap(s.mem)
	s.mem = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the backing file of the named service.
func Remove(name string, opts ...Option) error {
	o, err := parseOptions(opts)
	if err != nil {
		return err
	}
	return os.Remove(Path(o.dir, name))
}
