package shm

import (
	"github.com/adamlouis/splitter/frame"
)

// A Subscriber reads records from a service in publish order. It starts at
// the next record published after it was created. A subscriber that falls
// more than a ring behind skips the records it missed and counts them as
// overruns.
type Subscriber struct {
	svc      *Service
	cursor   uint64
	overruns uint64
	closed   bool
}

// Subscriber opens a subscriber port on the service.
func (s *Service) Subscriber() (*Subscriber, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return &Subscriber{svc: s, cursor: s.hdr.published.Load()}, nil
}

// Receive returns the next record, or nil when none is pending. It never
// blocks. The returned sample must be released.
func (s *Subscriber) Receive() (*Sample, error) {
	if s.closed || s.svc.closed {
		return nil, ErrClosed
	}
	slots := uint64(s.svc.slots)
	for {
		pub := s.svc.hdr.published.Load()
		if s.cursor > pub {
			// The service was re-created underneath us.
			s.cursor = pub
		}
		if s.cursor == pub {
			return nil, nil
		}
		if pub-s.cursor > slots {
			s.overruns += pub - s.cursor - slots
			s.cursor = pub - slots
		}

		i := int(s.cursor % slots)
		sl := s.svc.slot(i)
		sl.holds.Add(1)
		st := sl.state.Load()
		if st&1 == 1 || sl.index.Load() != s.cursor+1 {
			// Being rewritten or already rewritten with a newer record.
			sl.holds.Add(-1)
			s.overruns++
			s.cursor++
			continue
		}
		smp := &Sample{sub: s, slot: sl, rec: s.svc.record(i), index: s.cursor}
		s.cursor++
		return smp, nil
	}
}

// Overruns returns the number of records skipped because the publisher
// lapped this subscriber.
func (s *Subscriber) Overruns() uint64 { return s.overruns }

// Pending returns the number of records published but not yet received.
func (s *Subscriber) Pending() uint64 {
	pub := s.svc.hdr.published.Load()
	if pub <= s.cursor {
		return 0
	}
	return pub - s.cursor
}

// Close closes the port. Samples still held stay valid until released.
func (s *Subscriber) Close() error {
	s.closed = true
	return nil
}

// A Sample is a borrowed, read-only view of one published record.
type Sample struct {
	sub      *Subscriber
	slot     *slotHeader
	rec      *frame.Frame
	index    uint64
	released bool
}

// Payload returns the record. It must not be modified, and must not be used
// after Release.
func (m *Sample) Payload() *frame.Frame { return m.rec }

// Index returns the publish index of the record, starting at zero.
func (m *Sample) Index() uint64 { return m.index }

// Release returns the slot to the publisher.
func (m *Sample) Release() {
	if m.released {
		return
	}
	m.released = true
	if m.sub.svc.closed {
		return
	}
	m.slot.holds.Add(-1)
}
