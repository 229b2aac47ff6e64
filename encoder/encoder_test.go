package encoder

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestArgs(t *testing.T) {
	got := DefaultConfig().Args(Params{PixFmt: "yuv420p", Width: 1280, Height: 720})
	want := []string{
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", "1280x720",
		"-r", "30",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "30",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		"rtsp://127.0.0.1:8554/camera",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Args (-want +got):\n%s", diff)
	}

	cfg := DefaultConfig()
	cfg.FPS, cfg.GOP, cfg.URL = 15, 60, "rtsp://cam:8554/x"
	got = cfg.Args(Params{PixFmt: "nv12", Width: 640, Height: 480})
	for _, pair := range [][2]string{{"-pix_fmt", "nv12"}, {"-s", "640x480"}, {"-r", "15"}, {"-g", "60"}} {
		if !hasPair(got, pair[0], pair[1]) {
			t.Errorf("missing %s %s in %v", pair[0], pair[1], got)
		}
	}
	if got[len(got)-1] != "rtsp://cam:8554/x" {
		t.Errorf("URL not last: %v", got)
	}
}

func hasPair(args []string, k, v string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == k && args[i+1] == v {
			return true
		}
	}
	return false
}

func TestParams(t *testing.T) {
	p := Params{Width: 6, Height: 4}
	if p.Size() != "6x4" || p.FrameSize() != 36 {
		t.Errorf("Size %q FrameSize %d", p.Size(), p.FrameSize())
	}
}

// script writes an executable shell script standing in for the encoder.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enc.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecPipesFrames(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	args := filepath.Join(dir, "args")
	cfg := DefaultConfig()
	cfg.Binary = script(t, `printf '%s\n' "$@" > "`+args+`"; exec cat > "`+out+`"`)

	e := NewExec(cfg)
	p, err := e.Spawn(Params{PixFmt: "nv12", Width: 2, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, chunk := range [][]byte{{1, 2, 3, 4, 5, 6}, {7, 8, 9, 10, 11, 12}} {
		if _, err := p.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, got); diff != "" {
		t.Errorf("encoder input (-want +got):\n%s", diff)
	}
	a, err := os.ReadFile(args)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg.Args(Params{PixFmt: "nv12", Width: 2, Height: 2}), strings.Fields(string(a))); diff != "" {
		t.Errorf("encoder args (-want +got):\n%s", diff)
	}
}

func TestExecBrokenPipe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binary = script(t, "exit 0")
	p, err := NewExec(cfg).Spawn(Params{PixFmt: "nv12", Width: 2, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	chunk := make([]byte, 64<<10)
	deadline := time.Now().Add(5 * time.Second)
	var werr error
	for werr == nil && time.Now().Before(deadline) {
		_, werr = p.Write(chunk)
	}
	if werr == nil {
		t.Fatal("writes to an exited encoder kept succeeding")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close after clean exit: %v", err)
	}
}

func TestExecFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binary = filepath.Join(t.TempDir(), "missing")
	if _, err := NewExec(cfg).Spawn(Params{PixFmt: "nv12", Width: 2, Height: 2}); err == nil {
		t.Error("missing binary spawned")
	}

	cfg.Binary = script(t, "cat >/dev/null; exit 3")
	var stderr bytes.Buffer
	e := &Exec{Config: cfg, Stderr: &stderr}
	p, err := e.Spawn(Params{PixFmt: "nv12", Width: 2, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err == nil {
		t.Error("non-zero exit not reported")
	}

	if _, err := e.Spawn(Params{PixFmt: "nv12"}); err == nil {
		t.Error("zero size accepted")
	}
}
