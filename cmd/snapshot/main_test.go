package main

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
)

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	for _, tt := range []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"--help"}, 0},
		{"bad flag", []string{"--bogus"}, 2},
		{"bad extension", []string{"--out", filepath.Join(dir, "x.bmp")}, 2},
		{"no service", []string{"--shm-dir", dir, "--out", filepath.Join(dir, "x.png")}, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	svc, err := shm.OpenOrCreate("camera/frames", shm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	if got := run([]string{"--shm-dir", dir, "--timeout", "20ms", "--out", filepath.Join(dir, "x.png")}); got != 1 {
		t.Errorf("run with no frames = %d, want 1", got)
	}
}

func TestRunWritesImage(t *testing.T) {
	dir := t.TempDir()
	svc, err := shm.OpenOrCreate("camera/frames", shm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	port, err := svc.Publisher()
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if m, err := port.Loan(); err == nil {
				f := m.Payload()
				f.Width, f.Height, f.Stride, f.Format = 8, 4, 8, frame.FormatNV12
				f.Len = 48
				m.Send()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	out := filepath.Join(dir, "frame.png")
	if got := run([]string{"--shm-dir", dir, "--timeout", "2s", "--out", out}); got != 0 {
		t.Fatalf("run = %d", got)
	}
	fh, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("bounds %v", b)
	}
}
