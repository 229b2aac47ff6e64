package subscriber

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/adamlouis/splitter/encoder"
	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
)

// fakeSpawner records what a real encoder would have been fed.
type fakeSpawner struct {
	mu       sync.Mutex
	params   []encoder.Params
	writes   [][]byte
	failAt   int // writes beyond this many fail; 0 never fails
	closed   bool
	spawnErr error
}

func (s *fakeSpawner) Spawn(p encoder.Params) (encoder.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	s.params = append(s.params, p)
	return &fakeProcess{s: s}, nil
}

func (s *fakeSpawner) spawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params) > 0
}

func (s *fakeSpawner) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type fakeProcess struct{ s *fakeSpawner }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.closed {
		return 0, errors.New("write after close")
	}
	if p.s.failAt > 0 && len(p.s.writes) >= p.s.failAt {
		return 0, syscall.EPIPE
	}
	p.s.writes = append(p.s.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakeProcess) Close() error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.closed = true
	return nil
}

type rig struct {
	enc    *fakeSpawner
	st     *Streamer
	port   *shm.Publisher
	seq    uint64
	errc   chan error
	cancel context.CancelFunc
}

func newRig(t *testing.T, enc *fakeSpawner) *rig {
	t.Helper()
	dir := t.TempDir()
	owner, err := shm.OpenOrCreate("camera/frames", shm.WithDir(dir), shm.WithSlots(4))
	if err != nil {
		t.Fatal(err)
	}
	port, err := owner.Publisher()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := shm.Open("camera/frames", shm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{
		enc:  enc,
		st:   New(DefaultConfig(), svc, enc, zerolog.Nop()),
		port: port,
		errc: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() { r.errc <- r.st.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errc:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
		svc.Close()
		port.Close()
		owner.Close()
	})
	return r
}

// publish sends one record filled by fill, stamped with the next sequence
// number.
func (r *rig) publish(t *testing.T, fill func(f *frame.Frame)) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := r.port.Loan()
		if err == nil {
			f := m.Payload()
			fill(f)
			f.Sequence = r.seq
			r.seq++
			if err := m.Send(); err != nil {
				t.Fatal(err)
			}
			return
		}
		if !errors.Is(err, shm.ErrLoanFailed) || time.Now().After(deadline) {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
}

// prime publishes until the streamer has seen a frame and started the
// encoder.
func (r *rig) prime(t *testing.T, fill func(f *frame.Frame)) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.enc.spawned() {
		if time.Now().After(deadline) {
			t.Fatal("encoder never started")
		}
		r.publish(t, fill)
		time.Sleep(5 * time.Millisecond)
	}
}

// waitWrite waits until the most recent encoder write satisfies ok.
func (r *rig) waitWrite(t *testing.T, ok func(last []byte) bool) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := r.enc.snapshot()
		if len(w) > 0 && ok(w[len(w)-1]) {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected encoder write never happened")
	return nil
}

func set(f *frame.Frame, w, h, stride uint32, format frame.PixelFormat, data []byte) {
	f.Width, f.Height, f.Stride, f.Format = w, h, stride, format
	f.Len = uint32(copy(f.Data[:], data))
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name   string
		w, h   uint32
		stride uint32
		format frame.PixelFormat
		data   []byte
		pixFmt string
		depad  bool
		want   []byte
	}{
		{
			name: "unpadded yuv420 passthrough",
			w:    4, h: 2, stride: 4, format: frame.FormatYUV420,
			data:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			pixFmt: "yuv420p",
			want:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		},
		{
			name: "padded yuv420",
			w:    2, h: 2, stride: 4, format: frame.FormatYUV420,
			data:   []byte{1, 2, 0xEE, 0xEE, 3, 4, 0xEE, 0xEE, 5, 0xEE, 6, 0xEE},
			pixFmt: "yuv420p",
			depad:  true,
			want:   []byte{1, 2, 3, 4, 5, 6},
		},
		{
			name: "padded nv12",
			w:    2, h: 2, stride: 4, format: frame.FormatNV12,
			data:   []byte{1, 2, 0xEE, 0xEE, 3, 4, 0xEE, 0xEE, 5, 6, 0xEE, 0xEE},
			pixFmt: "nv12",
			depad:  true,
			want:   []byte{1, 2, 3, 4, 5, 6},
		},
		{
			name: "unknown falls back to nv12",
			w:    2, h: 2, stride: 4, format: frame.FormatUnknown,
			data:   []byte{1, 2, 0xEE, 0xEE, 3, 4, 0xEE, 0xEE, 5, 6, 0xEE, 0xEE},
			pixFmt: "nv12",
			depad:  true,
			want:   []byte{1, 2, 3, 4, 5, 6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &fakeSpawner{}
			r := newRig(t, enc)
			fill := func(f *frame.Frame) { set(f, tt.w, tt.h, tt.stride, tt.format, tt.data) }
			r.prime(t, fill)
			r.publish(t, fill)
			writes := r.waitWrite(t, func([]byte) bool { return true })

			want := encoder.Params{PixFmt: tt.pixFmt, Width: tt.w, Height: tt.h}
			if diff := cmp.Diff([]encoder.Params{want}, enc.params); diff != "" {
				t.Errorf("encoder params (-want +got):\n%s", diff)
			}
			for i, w := range writes {
				if diff := cmp.Diff(tt.want, w); diff != "" {
					t.Fatalf("write %d (-want +got):\n%s", i, diff)
				}
			}
			if st := r.st.Stats(); st.Depad != tt.depad || st.EncoderFormat != tt.pixFmt {
				t.Errorf("Stats = %+v", st)
			}
		})
	}
}

func TestStreamsInOrder(t *testing.T) {
	enc := &fakeSpawner{}
	r := newRig(t, enc)
	frameWith := func(v byte) func(f *frame.Frame) {
		return func(f *frame.Frame) {
			set(f, 2, 2, 2, frame.FormatNV12, []byte{v, v, v, v, v, v})
		}
	}
	r.prime(t, frameWith(0))
	for v := byte(1); v <= 10; v++ {
		r.publish(t, frameWith(v))
		r.waitWrite(t, func(last []byte) bool { return last[0] == v })
	}
	writes := enc.snapshot()
	var tail []byte
	for _, w := range writes[len(writes)-10:] {
		tail = append(tail, w[0])
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, tail); diff != "" {
		t.Errorf("frame order (-want +got):\n%s", diff)
	}
}

func TestSequenceGaps(t *testing.T) {
	enc := &fakeSpawner{}
	r := newRig(t, enc)
	frameWith := func(v byte) func(f *frame.Frame) {
		return func(f *frame.Frame) {
			set(f, 2, 2, 2, frame.FormatNV12, []byte{v, 0, 0, 0, 0, 0})
		}
	}
	r.prime(t, frameWith(0))
	r.publish(t, frameWith(200))
	r.waitWrite(t, func(last []byte) bool { return last[0] == 200 })
	before := r.st.Stats()

	// The publisher dropped three captures.
	r.seq += 3
	r.publish(t, frameWith(201))
	r.waitWrite(t, func(last []byte) bool { return last[0] == 201 })
	after := r.st.Stats()

	if after.Gaps-before.Gaps != 1 || after.Lost-before.Lost != 3 {
		t.Errorf("gaps %d lost %d, want 1 and 3", after.Gaps-before.Gaps, after.Lost-before.Lost)
	}

	// A restarted publisher counts from zero again.
	r.seq = 0
	r.publish(t, frameWith(202))
	r.waitWrite(t, func(last []byte) bool { return last[0] == 202 })
	if got := r.st.Stats().Resets; got != 1 {
		t.Errorf("Resets = %d, want 1", got)
	}
}

func TestEncoderPipeBreak(t *testing.T) {
	enc := &fakeSpawner{failAt: 3}
	r := newRig(t, enc)
	fill := func(f *frame.Frame) { set(f, 2, 2, 2, frame.FormatNV12, []byte{1, 2, 3, 4, 5, 6}) }
	r.prime(t, fill)

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case err := <-r.errc:
			if err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
			r.errc <- err
			if n := len(enc.snapshot()); n != 3 {
				t.Errorf("%d successful writes, want 3", n)
			}
			enc.mu.Lock()
			closed := enc.closed
			enc.mu.Unlock()
			if !closed {
				t.Error("encoder not closed")
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not return after the pipe broke")
		}
		r.publish(t, fill)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCancelBeforeFirstFrame(t *testing.T) {
	enc := &fakeSpawner{}
	r := newRig(t, enc)
	time.Sleep(20 * time.Millisecond)
	r.cancel()
	select {
	case err := <-r.errc:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
		r.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if enc.spawned() {
		t.Error("encoder spawned without a frame")
	}
}

func TestSpawnFailure(t *testing.T) {
	boom := errors.New("no ffmpeg")
	enc := &fakeSpawner{spawnErr: boom}
	r := newRig(t, enc)
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case err := <-r.errc:
			if !errors.Is(err, ErrEncoderStart) || !errors.Is(err, boom) {
				t.Errorf("Run = %v", err)
			}
			r.errc <- err
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not fail")
		}
		r.publish(t, func(f *frame.Frame) { set(f, 2, 2, 2, frame.FormatNV12, []byte{1, 2, 3, 4, 5, 6}) })
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiveOnClosedService(t *testing.T) {
	dir := t.TempDir()
	owner, err := shm.OpenOrCreate("camera/frames", shm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer owner.Close()
	svc, err := shm.Open("camera/frames", shm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	svc.Close()

	st := New(DefaultConfig(), svc, &fakeSpawner{}, zerolog.Nop())
	if err := st.Run(context.Background()); !errors.Is(err, ErrReceive) || !errors.Is(err, shm.ErrClosed) {
		t.Errorf("Run = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.FirstFramePoll != 10*time.Millisecond || c.IdlePoll != time.Millisecond || c.ProgressEvery != 100 {
		t.Errorf("DefaultConfig() = %+v", c)
	}
}
