// Command v4l2-info lists the video devices and prints the formats, frame
// sizes and controls each one supports.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/v4l2"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("v4l2-info", pflag.ContinueOnError)
	sysDir := fs.String("sys-dir", v4l2.VIDEO4LINUX_DIR, "sysfs directory listing video devices")
	device := fs.StringP("device", "d", "", "only describe this device node")
	controls := fs.Bool("controls", true, "print device controls")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	var devices []v4l2.DeviceInfo
	if *device != "" {
		devices = []v4l2.DeviceInfo{{Path: *device}}
	} else {
		var err error
		devices, err = v4l2.ListDevices(*sysDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "v4l2-info: %v\n", err)
			return 1
		}
	}
	writeDevices(out, *sysDir, devices)

	failed := false
	for _, info := range devices {
		dev, err := v4l2.Open(info.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "v4l2-info: %s: %v\n", info.Path, err)
			failed = true
			continue
		}
		describe(out, dev, *controls)
		dev.Close()
	}
	if failed {
		return 1
	}
	return 0
}

func writeDevices(w io.Writer, sysDir string, devices []v4l2.DeviceInfo) {
	if len(devices) == 0 {
		fmt.Fprintf(w, "No valid video devices found in %q\n", sysDir)
		return
	}
	fmt.Fprintln(w, "Video devices found:")
	for _, d := range devices {
		if d.Name == "" {
			fmt.Fprintf(w, "  %s\n", d.Path)
			continue
		}
		fmt.Fprintf(w, "  %q located in %s\n", d.Name, d.Path)
	}
}

func describe(w io.Writer, dev *v4l2.Device, controls bool) {
	fmt.Fprintf(w, "\n%s: %s (%s)\n", dev.Path(), dev.Card(), dev.Driver())
	formats := dev.SupportedFormats()
	sizes := make(map[uint32][]v4l2.FrameSize, len(formats))
	for code := range formats {
		sizes[code] = dev.SupportedFrameSizes(code)
	}
	writeFormats(w, formats, sizes)
	if controls {
		writeControls(w, dev.Controls())
	}
}

func writeFormats(w io.Writer, formats map[uint32]string, sizes map[uint32][]v4l2.FrameSize) {
	fmt.Fprintln(w, "Available formats:")
	for _, code := range sortedKeys(formats) {
		marker := " "
		if frame.FormatFromFourCC(code).Is420() {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %s  %s\n", marker, frame.FourCCString(code), formats[code])
		for _, s := range sizes[code] {
			fmt.Fprintf(w, "      %s\n", s)
		}
	}
}

func writeControls(w io.Writer, controls map[uint32]string) {
	fmt.Fprintln(w, "Available controls:")
	for _, id := range sortedKeys(controls) {
		fmt.Fprintf(w, "  ID:%08x %-32s\n", id, controls[id])
	}
}

func sortedKeys(m map[uint32]string) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
