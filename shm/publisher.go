package shm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/adamlouis/splitter/frame"
)

// A Publisher writes records into a service. Records are published in
// order; record n always goes to slot n mod Slots.
type Publisher struct {
	svc    *Service
	id     uuid.UUID
	next   uint64
	loaned *SampleMut
	closed bool
}

// Publisher opens the publisher port of the service. Only the process that
// created the service through OpenOrCreate can publish, and only once.
func (s *Service) Publisher() (*Publisher, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.owner || s.publisher != nil {
		return nil, fmt.Errorf("%w: %s", ErrPublisherExists, s.name)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	p := &Publisher{
		svc:  s,
		id:   id,
		next: s.hdr.published.Load(),
	}
	copy(s.hdr.publisherID[:], id[:])
	s.hdr.alive.Store(1)
	s.publisher = p
	return p, nil
}

// ID identifies this publisher port.
func (p *Publisher) ID() uuid.UUID { return p.id }

// Loan reserves the next slot for writing. It fails with ErrLoanFailed when
// a subscriber still holds that slot or a previous loan was not returned.
func (p *Publisher) Loan() (*SampleMut, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if p.loaned != nil {
		return nil, fmt.Errorf("%w: previous sample not sent", ErrLoanFailed)
	}
	i := int(p.next % uint64(p.svc.slots))
	sl := p.svc.slot(i)
	st := sl.state.Load()
	if st&1 == 1 || !sl.state.CompareAndSwap(st, st+1) {
		return nil, fmt.Errorf("%w: slot %d busy", ErrLoanFailed, i)
	}
	// Readers take a hold before checking state, so once the state is odd
	// a zero hold count means nobody can be reading the slot.
	if n := sl.holds.Load(); n > 0 {
		sl.state.Store(st)
		return nil, fmt.Errorf("%w: slot %d held by %d readers", ErrLoanFailed, i, n)
	}
	p.loaned = &SampleMut{pub: p, slot: sl, state: st + 1, rec: p.svc.record(i)}
	return p.loaned, nil
}

// Published returns the number of records this service has carried.
func (p *Publisher) Published() uint64 { return p.next }

// Close marks the publisher gone. Any outstanding loan is discarded.
func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	if p.loaned != nil {
		p.loaned.Discard()
	}
	p.closed = true
	p.svc.hdr.alive.Store(0)
	p.svc.publisher = nil
	return nil
}

// A SampleMut is a loaned slot. The record is uninitialized: it holds
// whatever the slot carried before.
type SampleMut struct {
	pub   *Publisher
	slot  *slotHeader
	state uint64
	rec   *frame.Frame
	done  bool
}

// Payload returns the record to write. It must not be used after Send or
// Discard.
func (m *SampleMut) Payload() *frame.Frame { return m.rec }

// Send publishes the record.
func (m *SampleMut) Send() error {
	if m.done {
		return fmt.Errorf("shm: sample already sent")
	}
	p := m.pub
	if p.closed {
		return ErrClosed
	}
	m.done = true
	m.slot.index.Store(p.next + 1)
	m.slot.state.Store(m.state + 1)
	p.next++
	p.svc.hdr.published.Store(p.next)
	p.loaned = nil
	return nil
}

// Discard returns the slot without publishing it.
func (m *SampleMut) Discard() {
	if m.done {
		return
	}
	m.done = true
	m.slot.index.Store(0)
	m.slot.state.Store(m.state + 1)
	m.pub.loaned = nil
}
