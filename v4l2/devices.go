package v4l2

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VIDEO4LINUX_DIR is where the kernel lists video devices.
const VIDEO4LINUX_DIR = "/sys/class/video4linux"

// DeviceInfo names one device node.
type DeviceInfo struct {
	Path string
	Name string
}

// ListDevices returns the video devices listed in sysDir, sorted by path.
// Device nodes are assumed to live in /dev under the same name.
func ListDevices(sysDir string) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysDir)
	if err != nil {
		return nil, err
	}
	var devices []DeviceInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "video") {
			continue
		}
		name, err := os.ReadFile(filepath.Join(sysDir, e.Name(), "name"))
		if err != nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			Path: filepath.Join("/dev", e.Name()),
			Name: strings.TrimSpace(string(name)),
		})
	}
	sort.Slice(devices, func(i, j int) bool {
		return naturalLess(devices[i].Path, devices[j].Path)
	})
	return devices, nil
}

// naturalLess orders /dev/video2 before /dev/video10.
func naturalLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
