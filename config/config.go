// Package config provides configuration for the splitter publisher and the
// streamer. Values start from defaults, are overridden by environment
// variables and then by command line flags. Unknown flags are ignored.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adamlouis/splitter/camera"
	"github.com/adamlouis/splitter/frame"
	"github.com/adamlouis/splitter/shm"
	"github.com/adamlouis/splitter/v4l2"
)

// ServiceName is the shared-memory service frames are published on.
const ServiceName = "camera/frames"

// Camera backends.
const (
	BackendV4L2      = "v4l2"
	BackendSynthetic = "synthetic"
)

// Publisher holds the configuration of the capture publisher.
type Publisher struct {
	// Width and Height are requested from the camera.
	// Default: 1280x720
	Width  uint32
	Height uint32

	// Service is the shared-memory service name.
	// Default: "camera/frames"
	Service string

	// ShmDir is the directory holding the service file.
	// Default: "/dev/shm"
	ShmDir string

	// Slots is the number of frames the service holds.
	// Default: 4
	Slots int

	// Backend is "v4l2" or "synthetic".
	// Default: "v4l2"
	Backend string

	// DeviceDir is the sysfs directory listing video devices.
	// Default: "/sys/class/video4linux"
	DeviceDir string

	// BufferCount overrides the camera's buffer count when non-zero.
	BufferCount int

	// Synthetic camera settings, used with the synthetic backend.
	SyntheticFPS         int
	SyntheticFormat      string
	SyntheticPattern     string
	SyntheticStrideAlign uint32

	// StatusAddr enables the HTTP status server when set, e.g. ":9100".
	StatusAddr string

	// LogLevel is "trace", "debug", "info", "warn" or "error".
	// Default: "info"
	LogLevel string
}

// Streamer holds the configuration of the RTSP streamer.
type Streamer struct {
	Service string
	ShmDir  string

	// Encoder is the encoder binary.
	// Default: "ffmpeg"
	Encoder string
	// URL is where the encoder publishes.
	// Default: "rtsp://127.0.0.1:8554/camera"
	URL    string
	FPS    int
	GOP    int
	Preset string
	Tune   string

	// FirstFramePoll and IdlePoll are the receive poll intervals.
	// Default: 10ms and 1ms
	FirstFramePoll time.Duration
	IdlePoll       time.Duration

	StatusAddr string
	LogLevel   string
}

// DefaultPublisher returns a Publisher with default values.
func DefaultPublisher() *Publisher {
	return &Publisher{
		Width:                1280,
		Height:               720,
		Service:              ServiceName,
		ShmDir:               shm.DefaultDir,
		Slots:                shm.DefaultSlots,
		Backend:              BackendV4L2,
		DeviceDir:            v4l2.VIDEO4LINUX_DIR,
		SyntheticFPS:         30,
		SyntheticFormat:      "NV12",
		SyntheticPattern:     "bars",
		SyntheticStrideAlign: 64,
		LogLevel:             "info",
	}
}

// DefaultStreamer returns a Streamer with default values.
func DefaultStreamer() *Streamer {
	return &Streamer{
		Service:        ServiceName,
		ShmDir:         shm.DefaultDir,
		Encoder:        "ffmpeg",
		URL:            "rtsp://127.0.0.1:8554/camera",
		FPS:            30,
		GOP:            30,
		Preset:         "ultrafast",
		Tune:           "zerolatency",
		FirstFramePoll: 10 * time.Millisecond,
		IdlePoll:       time.Millisecond,
		LogLevel:       "info",
	}
}

// LoadPublisher builds the publisher configuration from the environment and
// args, which exclude the program name.
//
// Environment variables:
//   - SPLITTER_WIDTH, SPLITTER_HEIGHT: requested frame size
//   - SPLITTER_SERVICE: shared-memory service name
//   - SPLITTER_SHM_DIR: directory of the service file
//   - SPLITTER_SLOTS: number of frame slots
//   - SPLITTER_BACKEND: camera backend (v4l2 or synthetic)
//   - SPLITTER_DEVICE_DIR: sysfs video device directory
//   - SPLITTER_BUFFERS: camera buffer count
//   - SPLITTER_SYNTHETIC_FPS, SPLITTER_SYNTHETIC_FORMAT,
//     SPLITTER_SYNTHETIC_PATTERN, SPLITTER_SYNTHETIC_ALIGN: synthetic camera
//   - SPLITTER_STATUS_ADDR: status server address
//   - SPLITTER_LOG, LOG_LEVEL: log level
func LoadPublisher(args []string) (*Publisher, error) {
	cfg := DefaultPublisher()
	e := env{}

	e.uint32("SPLITTER_WIDTH", &cfg.Width)
	e.uint32("SPLITTER_HEIGHT", &cfg.Height)
	e.string("SPLITTER_SERVICE", &cfg.Service)
	e.string("SPLITTER_SHM_DIR", &cfg.ShmDir)
	e.int("SPLITTER_SLOTS", &cfg.Slots)
	e.lower("SPLITTER_BACKEND", &cfg.Backend)
	e.string("SPLITTER_DEVICE_DIR", &cfg.DeviceDir)
	e.int("SPLITTER_BUFFERS", &cfg.BufferCount)
	e.int("SPLITTER_SYNTHETIC_FPS", &cfg.SyntheticFPS)
	e.string("SPLITTER_SYNTHETIC_FORMAT", &cfg.SyntheticFormat)
	e.lower("SPLITTER_SYNTHETIC_PATTERN", &cfg.SyntheticPattern)
	e.uint32("SPLITTER_SYNTHETIC_ALIGN", &cfg.SyntheticStrideAlign)
	e.string("SPLITTER_STATUS_ADDR", &cfg.StatusAddr)
	cfg.LogLevel = logLevel(cfg.LogLevel)
	if e.err != nil {
		return nil, e.err
	}

	fs := newFlagSet("splitter")
	fs.Uint32Var(&cfg.Width, "width", cfg.Width, "requested frame width")
	fs.Uint32Var(&cfg.Height, "height", cfg.Height, "requested frame height")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "shared-memory service name")
	fs.StringVar(&cfg.ShmDir, "shm-dir", cfg.ShmDir, "directory of the shared-memory file")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "number of frame slots")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "camera backend: v4l2 or synthetic")
	fs.StringVar(&cfg.DeviceDir, "device-dir", cfg.DeviceDir, "sysfs video device directory")
	fs.IntVar(&cfg.BufferCount, "buffers", cfg.BufferCount, "camera buffer count, 0 for the camera default")
	fs.IntVar(&cfg.SyntheticFPS, "synthetic-fps", cfg.SyntheticFPS, "synthetic camera frame rate")
	fs.StringVar(&cfg.SyntheticFormat, "synthetic-format", cfg.SyntheticFormat, "synthetic camera FourCC: YU12, NV12 or NV21")
	fs.StringVar(&cfg.SyntheticPattern, "synthetic-pattern", cfg.SyntheticPattern, "synthetic test pattern: "+strings.Join(camera.Patterns(), ", "))
	fs.Uint32Var(&cfg.SyntheticStrideAlign, "synthetic-align", cfg.SyntheticStrideAlign, "synthetic camera row alignment in bytes")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status server address, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStreamer builds the streamer configuration from the environment and
// args, which exclude the program name.
//
// Environment variables:
//   - SPLITTER_SERVICE, SPLITTER_SHM_DIR: as for the publisher
//   - SPLITTER_ENCODER: encoder binary
//   - SPLITTER_RTSP_URL: RTSP publish URL
//   - SPLITTER_FPS, SPLITTER_GOP: encoder frame rate and keyframe interval
//   - SPLITTER_PRESET, SPLITTER_TUNE: x264 preset and tune
//   - SPLITTER_FIRST_FRAME_POLL, SPLITTER_IDLE_POLL: poll intervals
//   - SPLITTER_STATUS_ADDR: status server address
//   - SPLITTER_LOG, LOG_LEVEL: log level
func LoadStreamer(args []string) (*Streamer, error) {
	cfg := DefaultStreamer()
	e := env{}

	e.string("SPLITTER_SERVICE", &cfg.Service)
	e.string("SPLITTER_SHM_DIR", &cfg.ShmDir)
	e.string("SPLITTER_ENCODER", &cfg.Encoder)
	e.string("SPLITTER_RTSP_URL", &cfg.URL)
	e.int("SPLITTER_FPS", &cfg.FPS)
	e.int("SPLITTER_GOP", &cfg.GOP)
	e.string("SPLITTER_PRESET", &cfg.Preset)
	e.string("SPLITTER_TUNE", &cfg.Tune)
	e.duration("SPLITTER_FIRST_FRAME_POLL", &cfg.FirstFramePoll)
	e.duration("SPLITTER_IDLE_POLL", &cfg.IdlePoll)
	e.string("SPLITTER_STATUS_ADDR", &cfg.StatusAddr)
	cfg.LogLevel = logLevel(cfg.LogLevel)
	if e.err != nil {
		return nil, e.err
	}

	fs := newFlagSet("streamer")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "shared-memory service name")
	fs.StringVar(&cfg.ShmDir, "shm-dir", cfg.ShmDir, "directory of the shared-memory file")
	fs.StringVar(&cfg.Encoder, "encoder", cfg.Encoder, "encoder binary")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "RTSP publish URL")
	fs.IntVar(&cfg.FPS, "fps", cfg.FPS, "encoder input frame rate")
	fs.IntVar(&cfg.GOP, "gop", cfg.GOP, "keyframe interval in frames")
	fs.StringVar(&cfg.Preset, "preset", cfg.Preset, "x264 preset")
	fs.StringVar(&cfg.Tune, "tune", cfg.Tune, "x264 tune")
	fs.DurationVar(&cfg.FirstFramePoll, "first-frame-poll", cfg.FirstFramePoll, "poll interval while waiting for the first frame")
	fs.DurationVar(&cfg.IdlePoll, "idle-poll", cfg.IdlePoll, "poll interval when no frame is pending")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status server address, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SortFlags = false
	return fs
}

// logLevel returns the level named by SPLITTER_LOG, or LOG_LEVEL, or def.
func logLevel(def string) string {
	for _, k := range []string{"SPLITTER_LOG", "LOG_LEVEL"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return strings.ToLower(v)
		}
	}
	return def
}

// Validate checks that the configuration values are valid.
func (c *Publisher) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return errors.New("Width and Height must be positive")
	}
	if c.Service == "" {
		return errors.New("Service cannot be empty")
	}
	if c.ShmDir == "" {
		return errors.New("ShmDir cannot be empty")
	}
	if c.Slots < 1 || c.Slots > 64 {
		return errors.New("Slots must be between 1 and 64")
	}
	if c.BufferCount < 0 {
		return errors.New("BufferCount cannot be negative")
	}
	if err := validLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Backend {
	case BackendV4L2:
		if c.DeviceDir == "" {
			return errors.New("DeviceDir cannot be empty")
		}
	case BackendSynthetic:
		if c.SyntheticFPS <= 0 || c.SyntheticFPS > 240 {
			return errors.New("SyntheticFPS must be between 1 and 240")
		}
		if _, err := c.SyntheticPixelFormat(); err != nil {
			return err
		}
		if !contains(camera.Patterns(), c.SyntheticPattern) {
			return fmt.Errorf("SyntheticPattern must be one of %s", strings.Join(camera.Patterns(), ", "))
		}
		if c.SyntheticStrideAlign == 0 || c.SyntheticStrideAlign > 4096 {
			return errors.New("SyntheticStrideAlign must be between 1 and 4096")
		}
	default:
		return errors.New("Backend must be 'v4l2' or 'synthetic'")
	}
	return nil
}

// SyntheticPixelFormat parses SyntheticFormat.
func (c *Publisher) SyntheticPixelFormat() (frame.PixelFormat, error) {
	f, err := frame.ParseFourCC(strings.ToUpper(c.SyntheticFormat))
	if err != nil || !f.Is420() {
		return frame.FormatUnknown, errors.New("SyntheticFormat must be 'YU12', 'NV12' or 'NV21'")
	}
	return f, nil
}

// IsSynthetic returns true if the synthetic camera is selected.
func (c *Publisher) IsSynthetic() bool {
	return c.Backend == BackendSynthetic
}

// String returns a string representation of the config for logging purposes.
func (c *Publisher) String() string {
	backend := "Backend: " + c.Backend + ", DeviceDir: " + c.DeviceDir
	if c.IsSynthetic() {
		backend = "Backend: synthetic, " +
			"SyntheticFPS: " + strconv.Itoa(c.SyntheticFPS) + ", " +
			"SyntheticFormat: " + c.SyntheticFormat + ", " +
			"SyntheticPattern: " + c.SyntheticPattern + ", " +
			"SyntheticStrideAlign: " + strconv.FormatUint(uint64(c.SyntheticStrideAlign), 10)
	}
	return "Publisher{" +
		"Size: " + strconv.FormatUint(uint64(c.Width), 10) + "x" + strconv.FormatUint(uint64(c.Height), 10) + ", " +
		"Service: " + c.Service + ", " +
		"ShmDir: " + c.ShmDir + ", " +
		"Slots: " + strconv.Itoa(c.Slots) + ", " +
		backend + ", " +
		"BufferCount: " + strconv.Itoa(c.BufferCount) + ", " +
		"StatusAddr: " + c.StatusAddr + ", " +
		"LogLevel: " + c.LogLevel +
		"}"
}

// Validate checks that the configuration values are valid.
func (c *Streamer) Validate() error {
	if c.Service == "" {
		return errors.New("Service cannot be empty")
	}
	if c.ShmDir == "" {
		return errors.New("ShmDir cannot be empty")
	}
	if c.Encoder == "" {
		return errors.New("Encoder cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "rtsp://") && !strings.HasPrefix(c.URL, "rtsps://") {
		return errors.New("URL must be an rtsp:// or rtsps:// URL")
	}
	if c.FPS <= 0 || c.FPS > 240 {
		return errors.New("FPS must be between 1 and 240")
	}
	if c.GOP <= 0 {
		return errors.New("GOP must be a positive integer")
	}
	if c.FirstFramePoll <= 0 || c.IdlePoll <= 0 {
		return errors.New("poll intervals must be positive")
	}
	return validLogLevel(c.LogLevel)
}

// String returns a string representation of the config for logging purposes.
func (c *Streamer) String() string {
	return "Streamer{" +
		"Service: " + c.Service + ", " +
		"ShmDir: " + c.ShmDir + ", " +
		"Encoder: " + c.Encoder + ", " +
		"URL: " + c.URL + ", " +
		"FPS: " + strconv.Itoa(c.FPS) + ", " +
		"GOP: " + strconv.Itoa(c.GOP) + ", " +
		"Preset: " + c.Preset + ", " +
		"Tune: " + c.Tune + ", " +
		"FirstFramePoll: " + c.FirstFramePoll.String() + ", " +
		"IdlePoll: " + c.IdlePoll.String() + ", " +
		"StatusAddr: " + c.StatusAddr + ", " +
		"LogLevel: " + c.LogLevel +
		"}"
}

func validLogLevel(s string) error {
	switch s {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	if _, err := zerolog.ParseLevel(s); err == nil && s != "" {
		return nil
	}
	return errors.New("LogLevel must be 'trace', 'debug', 'info', 'warn', or 'error'")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// env reads typed environment variables, keeping the first parse error.
type env struct {
	err error
}

func (e *env) string(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (e *env) lower(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = strings.ToLower(strings.TrimSpace(val))
	}
}

func (e *env) int(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		e.err = errors.New(key + " must be a valid integer")
		return
	}
	*dst = n
}

func (e *env) uint32(key string, dst *uint32) {
	val := os.Getenv(key)
	if val == "" || e.err != nil {
		return
	}
	n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 32)
	if err != nil {
		e.err = errors.New(key + " must be a valid unsigned integer")
		return
	}
	*dst = uint32(n)
}

func (e *env) duration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		e.err = errors.New(key + " must be a valid duration")
		return
	}
	*dst = d
}
