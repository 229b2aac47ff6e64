package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/v4l2"
)

func TestWriteDevices(t *testing.T) {
	var b bytes.Buffer
	writeDevices(&b, "/sys/x", nil)
	if got, want := b.String(), "No valid video devices found in \"/sys/x\"\n"; got != want {
		t.Errorf("empty list: %q", got)
	}

	b.Reset()
	writeDevices(&b, "/sys/x", []v4l2.DeviceInfo{{Path: "/dev/video0", Name: "Cam"}, {Path: "/dev/video9"}})
	want := "Video devices found:\n  \"Cam\" located in /dev/video0\n  /dev/video9\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("devices (-want +got):\n%s", diff)
	}
}

func TestWriteFormats(t *testing.T) {
	const yuyv = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	formats := map[uint32]string{
		yuyv:                     "YUYV 4:2:2",
		uint32(frame.FormatNV12): "Y/CbCr 4:2:0",
	}
	sizes := map[uint32][]v4l2.FrameSize{
		uint32(frame.FormatNV12): {{MinWidth: 640, MaxWidth: 640, MinHeight: 480, MaxHeight: 480}},
	}
	var b bytes.Buffer
	writeFormats(&b, formats, sizes)
	want := "Available formats:\n" +
		" * NV12  Y/CbCr 4:2:0\n" +
		"      640x480\n" +
		"   YUYV  YUYV 4:2:2\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("formats (-want +got):\n%s", diff)
	}
}

func TestWriteControls(t *testing.T) {
	var b bytes.Buffer
	writeControls(&b, map[uint32]string{0x00980900: "Brightness", 0x00980901: "Contrast"})
	want := "Available controls:\n" +
		"  ID:00980900 Brightness                      \n" +
		"  ID:00980901 Contrast                        \n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("controls (-want +got):\n%s", diff)
	}
}

func TestRunExitCodes(t *testing.T) {
	var b bytes.Buffer
	if code := run([]string{"--help"}, &b); code != 0 {
		t.Errorf("--help = %d", code)
	}
	if code := run([]string{"--bogus"}, &b); code != 2 {
		t.Errorf("unknown flag = %d", code)
	}
	if code := run([]string{"--sys-dir", filepath.Join(t.TempDir(), "missing")}, &b); code != 1 {
		t.Errorf("missing sys dir = %d", code)
	}

	empty := t.TempDir()
	if err := os.Mkdir(filepath.Join(empty, "not-a-video"), 0o755); err != nil {
		t.Fatal(err)
	}
	b.Reset()
	if code := run([]string{"--sys-dir", empty}, &b); code != 0 {
		t.Errorf("empty sys dir = %d", code)
	}
	if !bytes.Contains(b.Bytes(), []byte("No valid video devices")) {
		t.Errorf("output %q", b.String())
	}
}
